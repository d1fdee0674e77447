package whisper

import "encoding/binary"

// pcmToFloat32 converts mono 16-bit PCM to float32 samples in [-1, 1], the
// input format of whisper.cpp. A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}
