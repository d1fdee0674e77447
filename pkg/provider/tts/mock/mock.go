// Package mock provides a test double for [tts.Provider].
//
// By default every text fragment is "synthesized" into its own bytes, so
// tests can follow which sentences reached the audio output.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nell/pkg/provider/tts"
)

// SynthesizeCall records one invocation of SynthesizeStream.
type SynthesizeCall struct {
	Ctx   context.Context
	Voice tts.Voice
}

// Provider is a mock implementation of [tts.Provider].
type Provider struct {
	mu sync.Mutex

	// SynthesizeErr, if set, is returned by SynthesizeStream.
	SynthesizeErr error

	// AudioFor maps a fragment to its audio. Nil echoes the fragment bytes.
	AudioFor func(text string) []byte

	// Voices and ListVoicesErr are returned by ListVoices.
	Voices        []tts.Voice
	ListVoicesErr error

	calls []SynthesizeCall
	texts []string
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call and emits one audio chunk per fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Ctx: ctx, Voice: voice})
	err := p.SynthesizeErr
	audioFor := p.AudioFor
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if audioFor == nil {
		audioFor = func(s string) []byte { return []byte(s) }
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.texts = append(p.texts, s)
				p.mu.Unlock()
				select {
				case out <- audioFor(s):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Calls returns a copy of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// Texts returns every fragment consumed so far, across all calls.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// Reset clears all recorded calls and fragments.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.texts = nil
}
