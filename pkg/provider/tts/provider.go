// Package tts defines the Provider interface for text-to-speech backends.
//
// The companion streams reply sentences into SynthesizeStream as the LLM
// produces them and forwards the PCM it gets back to the client, so the first
// sentence is audible before the reply is complete.
package tts

import "context"

// Provider is the abstraction over a TTS backend. Implementations must be safe
// for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and emits
	// 16-bit little-endian mono PCM on the returned channel. The channel is
	// closed when all text has been spoken, when synthesis fails or when ctx
	// ends. A non-nil error means the stream could not be opened.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]Voice, error)
}
