package audio_test

import (
	"bytes"
	"testing"

	"github.com/MrWong99/nell/pkg/audio"
)

func TestHub_FanOut(t *testing.T) {
	t.Parallel()

	h := audio.NewHub(audio.SpeechFormat)
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	h.Publish([]byte{1, 2})

	for name, ch := range map[string]<-chan []byte{"a": a, "b": b} {
		got := <-ch
		if !bytes.Equal(got, []byte{1, 2}) {
			t.Errorf("%s: got %v", name, got)
		}
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := audio.NewHub(audio.SpeechFormat)
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
	h.Publish([]byte{1, 2})
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	h := audio.NewHub(audio.SpeechFormat)
	_, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish([]byte{1, 2})
	h.Publish([]byte{3, 4})
	h.Publish([]byte{5, 6})

	if got := h.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestHub_Close(t *testing.T) {
	t.Parallel()

	h := audio.NewHub(audio.SpeechFormat)
	ch, cancel := h.Subscribe(1)
	h.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after hub close")
	}

	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("subscribing to a closed hub should yield a closed channel")
	}
}
