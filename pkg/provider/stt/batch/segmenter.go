// Package batch turns batch (whole-utterance) transcription backends into
// streaming stt sessions.
//
// Incoming PCM runs through an energy-based Segmenter that cuts utterances at
// silence. Every completed utterance is handed to a Transcriber, and the
// returned text is emitted as a final transcript. Backends in this family
// (whisper.cpp, the OpenAI transcription API) cannot produce real partials, so
// when interim results are requested the final text is mirrored as a partial
// first.
package batch

import (
	"time"

	"github.com/MrWong99/nell/pkg/audio"
)

// Segmentation defaults.
const (
	DefaultRMSThreshold     = 300.0
	DefaultSilenceThreshold = 500 * time.Millisecond
	DefaultMaxUtterance     = 10 * time.Second
)

// SegmenterConfig tunes silence detection. Zero fields take the defaults.
type SegmenterConfig struct {
	Format           audio.Format
	RMSThreshold     float64
	SilenceThreshold time.Duration
	MaxUtterance     time.Duration
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if !c.Format.Valid() {
		c.Format = audio.SpeechFormat
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = DefaultRMSThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	return c
}

// Segmenter accumulates speech and cuts it into utterances. Leading silence is
// discarded; trailing silence up to SilenceThreshold is kept with the
// utterance. Not safe for concurrent use.
type Segmenter struct {
	cfg SegmenterConfig

	buf       []byte
	hadSpeech bool
	silence   time.Duration
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

// Push feeds one chunk. When the chunk completes an utterance it is returned
// with ok set.
func (s *Segmenter) Push(chunk []byte) (utterance []byte, ok bool) {
	if audio.RMS(chunk) < s.cfg.RMSThreshold {
		if !s.hadSpeech {
			return nil, false
		}
		s.silence += s.cfg.Format.Duration(len(chunk))
		s.buf = append(s.buf, chunk...)
		if s.silence >= s.cfg.SilenceThreshold {
			return s.Flush()
		}
		return nil, false
	}

	s.hadSpeech = true
	s.silence = 0
	s.buf = append(s.buf, chunk...)
	if s.cfg.Format.Duration(len(s.buf)) >= s.cfg.MaxUtterance {
		return s.Flush()
	}
	return nil, false
}

// Flush returns whatever speech is buffered and resets the segmenter.
func (s *Segmenter) Flush() ([]byte, bool) {
	out, ok := s.buf, s.hadSpeech && len(s.buf) > 0
	s.buf = nil
	s.hadSpeech = false
	s.silence = 0
	if !ok {
		return nil, false
	}
	return out, true
}

// InSpeech reports whether an utterance is currently being collected.
func (s *Segmenter) InSpeech() bool { return s.hadSpeech }
