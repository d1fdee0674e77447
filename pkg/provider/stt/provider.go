// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A Provider opens a SessionHandle per recognition attempt. The handle accepts
// raw PCM and emits two transcript streams: low-latency partials and
// authoritative finals. Both channels close when the stream ends; Err then
// reports whether it ended because of a failure.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// stream.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. 16000 is what every bundled
	// provider expects.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 recognition language (e.g. "ja-JP"). Empty lets
	// the provider fall back to its own default.
	Language string

	// Interim asks the provider to emit partial transcripts. Providers that
	// cannot produce partials ignore it.
	Interim bool

	// Keywords boosts recognition of uncommon vocabulary such as the
	// companion's name.
	Keywords []KeywordBoost
}

// SessionHandle is one open transcription stream.
//
// Callers must call Close when done; it is safe to call more than once.
type SessionHandle interface {
	// SendAudio delivers a PCM chunk in the agreed format. It returns an error
	// once the stream has ended.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the stream ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the stream ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the keyword boosts mid-stream. Providers without
	// support return an error wrapping ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Err returns the failure that ended the stream, or nil if it ended
	// because of Close or is still running.
	Err() error

	// Close ends the stream and releases its resources.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a stream. An error means the backend could not be
	// reached or rejected the configuration.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
