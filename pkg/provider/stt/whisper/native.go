package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/provider/stt"
	"github.com/MrWong99/nell/pkg/provider/stt/batch"
)

// NativeProvider implements stt.Provider with the whisper.cpp cgo bindings.
// libwhisper and whisper.h must be reachable through LIBRARY_PATH and
// C_INCLUDE_PATH at build time. The model is loaded once and shared.
type NativeProvider struct {
	model     whisperlib.Model
	language  string
	segmenter batch.SegmenterConfig

	// whisper.cpp contexts are cheap but inference is CPU bound; running
	// several at once only slows each of them down.
	inferMu sync.Mutex
}

var _ stt.Provider = (*NativeProvider)(nil)

// NewNative loads the model at modelPath. Options shared with Provider that do
// not apply to in-process inference (model name, HTTP client) are ignored.
func NewNative(modelPath string, opts ...Option) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	shadow := &Provider{language: defaultLanguage, segmenter: batch.SegmenterConfig{Format: audio.SpeechFormat}}
	for _, o := range opts {
		o(shadow)
	}
	return &NativeProvider{model: model, language: shadow.language, segmenter: shadow.segmenter}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// StartStream opens a session that runs inference in process.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	bc := batch.ConfigFor("whisper-native", cfg, p.segmenter, p.language)
	return batch.Open(ctx, bc, p.infer), nil
}

func (p *NativeProvider) infer(_ context.Context, pcm []byte, f audio.Format, language string) (string, error) {
	samples := pcmToFloat32(audio.Downmix(pcm, f.Channels))

	p.inferMu.Lock()
	defer p.inferMu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(BaseLanguage(language)); err != nil {
		slog.Warn("whisper: unsupported language, using model default", "language", language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, segmentSeparator(language)), nil
}

// segmentSeparator returns the string placed between decoded segments.
// Languages written without spaces must not gain any.
func segmentSeparator(language string) string {
	switch BaseLanguage(language) {
	case "ja", "zh", "th":
		return ""
	default:
		return " "
	}
}
