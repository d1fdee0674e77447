package stt

import (
	"errors"
	"time"
)

// ErrNotSupported is wrapped by providers that lack an optional capability.
var ErrNotSupported = errors.New("stt: not supported")

// Transcript is a recognition result. Partials and finals share the type.
type Transcript struct {
	Text string

	IsFinal bool

	// Confidence is in 0.0–1.0; zero when the provider does not report it.
	Confidence float64

	// Words carries per-word timing when available.
	Words []WordDetail

	// Timestamp is the utterance start relative to the stream start.
	Timestamp time.Duration

	Duration time.Duration
}

// WordDetail is per-word timing and confidence.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost raises the recognition probability of a word.
type KeywordBoost struct {
	Keyword string
	// Boost is provider-specific intensity.
	Boost float64
}
