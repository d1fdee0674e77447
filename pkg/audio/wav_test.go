package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/MrWong99/nell/pkg/audio"
)

func TestEncodeWAV(t *testing.T) {
	t.Parallel()

	data := pcm(1, -1, 1000, -1000)
	wav, err := audio.EncodeWAV(data, audio.SpeechFormat)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE header: %q", wav[:12])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if !bytes.HasSuffix(wav, data) {
		t.Error("PCM payload should be the tail of the file")
	}
}

func TestEncodeWAV_InvalidFormat(t *testing.T) {
	t.Parallel()
	if _, err := audio.EncodeWAV(pcm(1), audio.Format{}); err == nil {
		t.Fatal("expected error for zero format")
	}
}
