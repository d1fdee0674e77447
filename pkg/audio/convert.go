package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Converter converts frames to a target format. It logs once on the first
// format mismatch and once on the first misaligned frame. Create one per
// stream; it is not meant to be shared between goroutines.
type Converter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns the frame in the target format. Frames already in the target
// format are returned as is. Misaligned frames come back with nil Data.
// Channels are folded to mono before resampling so the resampler only ever
// sees one channel when the target is mono.
func (c *Converter) Convert(f Frame) Frame {
	if !f.Format.Valid() || len(f.Data)%(2*f.Channels) != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned frame", "bytes", len(f.Data), "format", f.Format.String())
		})
		return Frame{Format: c.Target, Timestamp: f.Timestamp}
	}
	if f.Format == c.Target {
		return f
	}
	c.warnMismatch.Do(func() {
		slog.Info("audio: converting input", "from", f.Format.String(), "to", c.Target.String())
	})

	pcm := f.Data
	channels := f.Channels
	if channels != c.Target.Channels {
		switch {
		case c.Target.Channels == 1:
			pcm = Downmix(pcm, channels)
		case channels == 1:
			pcm = Upmix(pcm, c.Target.Channels)
		default:
			pcm = Upmix(Downmix(pcm, channels), c.Target.Channels)
		}
		channels = c.Target.Channels
	}
	if f.SampleRate != c.Target.SampleRate {
		pcm = Resample(pcm, channels, f.SampleRate, c.Target.SampleRate)
	}
	return Frame{Data: pcm, Format: c.Target, Timestamp: f.Timestamp}
}

// Downmix averages interleaved channels into a mono stream.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// Upmix copies every mono sample into each of the given channels.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2*channels)
	for i := range n {
		s := sampleAt(pcm, i)
		for ch := range channels {
			putSample(out, i*channels+ch, s)
		}
	}
	return out
}

// Resample converts interleaved PCM between sample rates with linear
// interpolation.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}
	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
