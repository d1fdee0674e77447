// Package mock provides a test double for [llm.Provider].
//
// Configure the response fields before the first call; afterwards read the
// recorded calls through the accessor methods, which are safe while other
// goroutines still use the provider.
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "こんにちは。"}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nell/pkg/provider/llm"
)

// Call records one invocation of StreamCompletion or Complete.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of [llm.Provider].
type Provider struct {
	mu sync.Mutex

	// StreamChunks are emitted in order by every StreamCompletion stream.
	StreamChunks []llm.Chunk

	// StreamErr, if set, is returned by StreamCompletion instead of a stream.
	StreamErr error

	// Hold, if set, makes every stream wait for it to be closed (or the call
	// context to end) before emitting the chunk at index HoldAt.
	Hold   chan struct{}
	HoldAt int

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	streamCalls   []Call
	completeCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and streams StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamCalls = append(p.streamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	hold, holdAt := p.Hold, p.HoldAt
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if hold != nil && i == holdAt {
				select {
				case <-hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeCalls = append(p.completeCalls, Call{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// StreamCalls returns a copy of the recorded StreamCompletion calls.
func (p *Provider) StreamCalls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.streamCalls...)
}

// CompleteCalls returns a copy of the recorded Complete calls.
func (p *Provider) CompleteCalls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.completeCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamCalls = nil
	p.completeCalls = nil
}
