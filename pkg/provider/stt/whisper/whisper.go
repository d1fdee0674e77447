// Package whisper provides whisper.cpp-backed STT providers.
//
// Provider talks to a running whisper-server (POST /inference). NativeProvider
// links whisper.cpp through its cgo bindings and runs inference in process.
// whisper.cpp is a batch engine, so both providers segment the stream at
// silence and transcribe one utterance at a time through the batch package.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/provider/stt"
	"github.com/MrWong99/nell/pkg/provider/stt/batch"
)

const defaultLanguage = "ja"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty uses whatever
// the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the fallback recognition language. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceThreshold sets how much trailing silence closes an utterance.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) { p.segmenter.SilenceThreshold = d }
}

// WithMaxUtterance caps the length of a single utterance.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.segmenter.MaxUtterance = d }
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider on top of a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	segmenter  batch.SegmenterConfig
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		segmenter:  batch.SegmenterConfig{Format: audio.SpeechFormat},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first utterance
// completes, so the only failure is an already cancelled context.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	bc := batch.ConfigFor("whisper", cfg, p.segmenter, p.language)
	return batch.Open(ctx, bc, p.infer), nil
}

// infer uploads one utterance as multipart WAV to /inference.
func (p *Provider) infer(ctx context.Context, pcm []byte, f audio.Format, language string) (string, error) {
	wav, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	fields := map[string]string{
		"language":        BaseLanguage(language),
		"model":           p.model,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return result.Text, nil
}

// BaseLanguage strips the region from a BCP-47 tag: whisper.cpp only knows
// ISO 639-1 codes ("ja-JP" -> "ja").
func BaseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
