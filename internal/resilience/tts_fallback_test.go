package resilience

import (
	"errors"
	"testing"

	"github.com/MrWong99/nell/pkg/provider/tts"
	ttsmock "github.com/MrWong99/nell/pkg/provider/tts/mock"
)

func TestTTSFallback_SynthesizeStream(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("elevenlabs: quota exceeded")}
	backup := &ttsmock.Provider{}

	f := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	f.AddFallback("elevenlabs-eu", backup)

	text := make(chan string, 2)
	text <- "こんにちは。"
	close(text)

	voice := tts.Voice{ID: "nell-v1"}
	audio, err := f.SynthesizeStream(t.Context(), text, voice)
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var got []byte
	for chunk := range audio {
		got = append(got, chunk...)
	}
	if string(got) != "こんにちは。" {
		t.Errorf("audio = %q", got)
	}
	calls := backup.Calls()
	if len(calls) != 1 || calls[0].Voice.ID != "nell-v1" {
		t.Errorf("backup calls = %+v", calls)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	backup := &ttsmock.Provider{Voices: []tts.Voice{{ID: "v1", Name: "Nell"}}}

	f := NewTTSFallback(primary, "a", FallbackConfig{})
	f.AddFallback("b", backup)

	voices, err := f.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].Name != "Nell" {
		t.Errorf("voices = %+v", voices)
	}
}
