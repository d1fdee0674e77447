// Package journal records what was said in a listening session: the child's
// utterances, the interruptions and the companion's replies.
//
// A [Store] keeps entries for later reading (the /sessions/{id}/journal
// endpoint). A [Publisher] pushes them to other systems as they happen. [Tee]
// combines one store with any number of publishers.
package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// Kind classifies an entry.
type Kind string

const (
	// KindResult is an utterance delivered as user input.
	KindResult Kind = "result"

	// KindInterrupt is an utterance that cut the companion off.
	KindInterrupt Kind = "interrupt"

	// KindReply is a completed companion reply.
	KindReply Kind = "reply"
)

// Entry is one journal line.
type Entry struct {
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	IsStop    bool      `json:"is_stop,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	At        time.Time `json:"at"`
}

// Validate reports whether e can be stored.
func (e Entry) Validate() error {
	var errs []error
	if e.SessionID == "" {
		errs = append(errs, errors.New("journal: entry has no session id"))
	}
	switch e.Kind {
	case KindResult, KindInterrupt, KindReply:
	default:
		errs = append(errs, errors.New("journal: unknown entry kind "+string(e.Kind)))
	}
	return errors.Join(errs...)
}

// Store persists entries.
type Store interface {
	// Append adds e. A zero At is set to the current time.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit of the newest entries of a session in the
	// order they were appended. limit <= 0 returns all retained entries.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}

// Publisher forwards entries to an external system.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// Tee is a [Store] that also hands every appended entry to its publishers.
// Publisher failures are logged and never fail the append.
type Tee struct {
	store      Store
	publishers []Publisher
}

var _ Store = (*Tee)(nil)

// NewTee combines store with pubs. Nil publishers are skipped.
func NewTee(store Store, pubs ...Publisher) *Tee {
	t := &Tee{store: store}
	for _, p := range pubs {
		if p != nil {
			t.publishers = append(t.publishers, p)
		}
	}
	return t
}

// Append implements [Store].
func (t *Tee) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := t.store.Append(ctx, e); err != nil {
		return err
	}
	for _, p := range t.publishers {
		if err := p.Publish(ctx, e); err != nil {
			slog.Warn("journal: publish failed", "session_id", e.SessionID, "kind", e.Kind, "error", err)
		}
	}
	return nil
}

// Recent implements [Store].
func (t *Tee) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	return t.store.Recent(ctx, sessionID, limit)
}

// Close closes the store and every publisher that is an [io.Closer].
func (t *Tee) Close() error {
	errs := []error{t.store.Close()}
	for _, p := range t.publishers {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
