package companion

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSpeaker_Claims(t *testing.T) {
	t.Parallel()
	s := NewSpeaker()
	var quiet atomic.Int32
	s.OnQuiet(func() { quiet.Add(1) })

	if s.IsSpeaking() {
		t.Fatal("new speaker should be quiet")
	}
	s.Begin("reply-1")
	s.Begin("client")
	s.Begin("reply-1")
	if !s.IsSpeaking() {
		t.Fatal("expected speaking after Begin")
	}

	s.End("reply-1")
	if !s.IsSpeaking() || quiet.Load() != 0 {
		t.Error("one remaining claim must keep the companion speaking")
	}
	s.End("client")
	if s.IsSpeaking() {
		t.Error("expected quiet after the last claim ended")
	}
	if quiet.Load() != 1 {
		t.Errorf("OnQuiet fired %d times, want 1", quiet.Load())
	}

	s.End("client")
	s.End("never-started")
	if quiet.Load() != 1 {
		t.Error("ending a stale id must not notify")
	}
}

func TestSpeaker_Reset(t *testing.T) {
	t.Parallel()
	s := NewSpeaker()
	var quiet atomic.Int32
	s.OnQuiet(func() { quiet.Add(1) })

	s.Reset()
	if quiet.Load() != 0 {
		t.Error("Reset on a quiet speaker must not notify")
	}
	s.Begin("a")
	s.Begin("b")
	s.Reset()
	if s.IsSpeaking() || quiet.Load() != 1 {
		t.Errorf("after Reset: speaking=%v quiet=%d", s.IsSpeaking(), quiet.Load())
	}
}

func TestSpeaker_OnQuietRemoveAndReentry(t *testing.T) {
	t.Parallel()
	s := NewSpeaker()

	var removed atomic.Int32
	remove := s.OnQuiet(func() { removed.Add(1) })
	remove()

	// A listener may read the state it is being told about.
	var sawSpeaking atomic.Bool
	s.OnQuiet(func() { sawSpeaking.Store(s.IsSpeaking()) })

	s.Begin("x")
	s.End("x")
	if removed.Load() != 0 {
		t.Error("removed listener was called")
	}
	if sawSpeaking.Load() {
		t.Error("listener observed speaking after the last claim ended")
	}
}

func TestSpeaker_Concurrent(t *testing.T) {
	t.Parallel()
	s := NewSpeaker()
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			s.Begin(id)
			_ = s.IsSpeaking()
			s.End(id)
		}()
	}
	wg.Wait()
	if s.IsSpeaking() {
		t.Error("all claims ended but speaker reports speaking")
	}
}
