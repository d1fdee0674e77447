package resilience

import (
	"context"

	"github.com/MrWong99/nell/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens each stream on the first healthy
// backend. A recognition attempt therefore only fails to start once every
// backend refused it.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an STTFallback with primary as first choice.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	cfg.Kind = "stt"
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// StartStream implements [stt.Provider]. Failures after the stream is open
// are reported through the handle and do not fail over.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
