// Package speech defines the recognition engine contract consumed by the
// listening sessions.
//
// An Engine starts recognition attempts. Each Attempt emits zero or more
// events and then ends on its own: the end of an attempt is signalled by the
// closing of its Events channel. Attempts may also be stopped early by the
// owner, after which the channel is closed as well.
//
// The shape deliberately mirrors a browser-style recognizer: results are
// delivered as an ordered list of result slots for the current recognition
// pass together with the index of the first slot that changed.
package speech

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupported is returned by engines that cannot run on this host (for
// example a provider that is not configured).
var ErrUnsupported = errors.New("speech: recognition not supported")

// Settings configures a single recognition attempt.
type Settings struct {
	// Language is the BCP-47 recognition language, e.g. "ja-JP".
	Language string

	// InterimResults enables provisional (non-final) results.
	InterimResults bool

	// Continuous keeps the attempt alive across utterances. When false the
	// attempt ends after its first final result.
	Continuous bool

	// MaxAlternatives caps the number of alternatives per result.
	MaxAlternatives int

	// SampleRate and Channels describe the PCM fed to the engine.
	SampleRate int
	Channels   int
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Language:        "ja-JP",
		MaxAlternatives: 1,
		SampleRate:      16000,
		Channels:        1,
	}
}

// Alternative is one recognition hypothesis.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result is one result slot of a recognition pass.
type Result struct {
	Alternatives []Alternative
	IsFinal      bool
}

// Transcript returns the text of the first alternative, or "" if there is none.
func (r Result) Transcript() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return r.Alternatives[0].Transcript
}

// ResultEvent carries every result slot of the current pass. ResultIndex is
// the first slot that changed since the previous event.
type ResultEvent struct {
	ResultIndex int
	Results     []Result
}

// Changed returns the slots from ResultIndex to the end. An out-of-range index
// yields an empty slice.
func (e ResultEvent) Changed() []Result {
	if e.ResultIndex < 0 || e.ResultIndex >= len(e.Results) {
		return nil
	}
	return e.Results[e.ResultIndex:]
}

// ErrorCode classifies engine errors.
type ErrorCode string

const (
	ErrorNoSpeech             ErrorCode = "no-speech"
	ErrorAborted              ErrorCode = "aborted"
	ErrorAudioCapture         ErrorCode = "audio-capture"
	ErrorNetwork              ErrorCode = "network"
	ErrorNotAllowed           ErrorCode = "not-allowed"
	ErrorServiceNotAllowed    ErrorCode = "service-not-allowed"
	ErrorLanguageNotSupported ErrorCode = "language-not-supported"
)

// Transient reports whether the code is expected during normal operation and
// must not be surfaced as a failure.
func (c ErrorCode) Transient() bool {
	return c == ErrorNoSpeech
}

// EngineError is an error raised by a running attempt.
type EngineError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("speech: %s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("speech: %s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("speech: %s: %v", e.Code, e.Err)
	default:
		return "speech: " + string(e.Code)
	}
}

func (e *EngineError) Unwrap() error { return e.Err }

// Event is a single attempt event. Exactly one of Result and Err is set.
type Event struct {
	Result *ResultEvent
	Err    *EngineError
}

// Attempt is one in-flight recognition attempt.
type Attempt interface {
	// Events returns the event stream. The channel is closed when the attempt
	// has ended, whether on its own or because Stop was called.
	Events() <-chan Event

	// Stop requests the attempt to end. It is safe to call more than once;
	// calls after the first return nil.
	Stop() error
}

// Engine starts recognition attempts.
type Engine interface {
	// Start begins a new attempt. A non-nil error means the attempt never
	// started and no events will follow.
	Start(ctx context.Context, s Settings) (Attempt, error)
}
