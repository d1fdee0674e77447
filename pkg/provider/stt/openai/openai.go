// Package openai provides an stt.Provider on the OpenAI audio transcription
// API (or any compatible server such as a local faster-whisper gateway).
//
// The API transcribes whole files, so the stream is segmented at silence with
// the batch package and every utterance is uploaded as a WAV file.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/provider/stt"
	"github.com/MrWong99/nell/pkg/provider/stt/batch"
	"github.com/MrWong99/nell/pkg/provider/stt/whisper"
)

const (
	defaultModel    = goopenai.Whisper1
	defaultLanguage = "ja"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithLanguage sets the fallback recognition language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithPrompt sets a prompt that biases recognition towards expected words.
func WithPrompt(prompt string) Option {
	return func(p *Provider) { p.prompt = prompt }
}

// WithSilenceThreshold sets how much trailing silence closes an utterance.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) { p.segmenter.SilenceThreshold = d }
}

// Provider implements stt.Provider with the OpenAI transcription endpoint.
type Provider struct {
	client    *goopenai.Client
	model     string
	baseURL   string
	language  string
	prompt    string
	segmenter batch.SegmenterConfig
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	p := &Provider{
		model:     defaultModel,
		language:  defaultLanguage,
		segmenter: batch.SegmenterConfig{Format: audio.SpeechFormat},
	}
	for _, o := range opts {
		o(p)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	p.client = goopenai.NewClientWithConfig(cfg)
	return p, nil
}

// StartStream opens a batch-backed session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	bc := batch.ConfigFor("openai-stt", cfg, p.segmenter, p.language)
	return batch.Open(ctx, bc, p.transcribe), nil
}

func (p *Provider) transcribe(ctx context.Context, pcm []byte, f audio.Format, language string) (string, error) {
	wav, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		return "", fmt.Errorf("openai stt: %w", err)
	}
	resp, err := p.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    p.model,
		Reader:   bytes.NewReader(wav),
		FilePath: "utterance.wav",
		Language: whisper.BaseLanguage(language),
		Prompt:   p.prompt,
		Format:   goopenai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai stt: transcription: %w", err)
	}
	return resp.Text, nil
}
