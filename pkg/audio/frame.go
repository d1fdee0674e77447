// Package audio holds the PCM plumbing shared by the transport and the
// recognition engines: frame types, format conversion, a fan-out hub for
// microphone audio, and WAV encoding for batch transcription backends.
//
// All PCM in this package is 16-bit signed little-endian.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SpeechFormat is the format fed to recognition engines: 16 kHz mono.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback length of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Frame is one chunk of captured microphone audio.
type Frame struct {
	Data []byte
	Format
	// Timestamp is the capture offset relative to the start of the stream.
	Timestamp time.Duration
}
