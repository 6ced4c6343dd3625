package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LocalTransport is an in-process Transport. Publish schedules every
// matching handler on its own goroutine, the way a gateway session does.
type LocalTransport struct {
	mu   sync.RWMutex
	subs []*localSub
	ctx  context.Context
	wg   sync.WaitGroup
}

type localSub struct {
	id    string
	kind  EventKind
	match Predicate
	fn    HandlerFunc
}

func (s *localSub) ID() string { return s.id }

// NewLocalTransport returns an empty transport whose handlers receive ctx.
func NewLocalTransport(ctx context.Context) *LocalTransport {
	if ctx == nil {
		ctx = context.Background()
	}
	return &LocalTransport{ctx: ctx}
}

// Subscribe implements Transport.
func (t *LocalTransport) Subscribe(kind EventKind, match Predicate, fn HandlerFunc) (Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("local transport: nil handler")
	}
	sub := &localSub{id: uuid.NewString(), kind: kind, match: match, fn: fn}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

// Unsubscribe implements Transport. Only the handle returned by Subscribe is
// accepted.
func (t *LocalTransport) Unsubscribe(sub Subscription) error {
	s, ok := sub.(*localSub)
	if !ok {
		return ErrUnknownSubscription
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.subs {
		if existing == s {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return nil
		}
	}
	return ErrUnknownSubscription
}

// Len returns the number of live subscriptions.
func (t *LocalTransport) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Publish delivers ev to every matching subscriber without waiting for them.
func (t *LocalTransport) Publish(kind EventKind, ev Event) {
	t.mu.RLock()
	matched := make([]*localSub, 0, len(t.subs))
	for _, s := range t.subs {
		if s.kind == kind && (s.match == nil || s.match(ev)) {
			matched = append(matched, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range matched {
		t.wg.Add(1)
		go func(s *localSub) {
			defer t.wg.Done()
			_ = s.fn(t.ctx, ev)
		}(s)
	}
}

// Wait blocks until every handler scheduled so far has returned.
func (t *LocalTransport) Wait() {
	t.wg.Wait()
}

// Message is a plain Event for local delivery.
type Message struct {
	Content string
	Sender  string
	Origin  string
	Channel string
	// OnReply receives replies; nil discards them.
	OnReply func(text string) error
}

// Text implements Event.
func (m *Message) Text() string { return m.Content }

// SenderID implements Event.
func (m *Message) SenderID() string { return m.Sender }

// OriginID implements Event.
func (m *Message) OriginID() string { return m.Origin }

// ChannelID returns where the message was posted.
func (m *Message) ChannelID() string { return m.Channel }

// Reply implements Event.
func (m *Message) Reply(_ context.Context, text string) error {
	if m.OnReply == nil {
		return nil
	}
	return m.OnReply(text)
}
