package core

import (
	"context"
	"strings"
	"unicode"
)

// EventKind selects which stream of transport events a handler subscribes to.
type EventKind uint8

const (
	// EventNewMessage fires for every newly created message.
	EventNewMessage EventKind = iota
	// EventMessageEdit fires when an existing message is edited.
	EventMessageEdit
)

func (k EventKind) String() string {
	switch k {
	case EventNewMessage:
		return "new_message"
	case EventMessageEdit:
		return "message_edit"
	default:
		return "unknown"
	}
}

// Event is the inbound message as seen by module handlers. Only these four
// accessors are interpreted by the runtime; everything else stays inside the
// transport.
type Event interface {
	Text() string
	// SenderID is empty when the transport could not resolve the sender.
	SenderID() string
	// OriginID is the originating user, used when SenderID is empty.
	OriginID() string
	Reply(ctx context.Context, text string) error
}

// Channeled is implemented by events that know the channel they were
// posted in.
type Channeled interface {
	ChannelID() string
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, ev Event) error

// Predicate filters events before a handler is scheduled. A nil Predicate
// accepts everything.
type Predicate func(ev Event) bool

// Subscription is the opaque handle returned by Transport.Subscribe. The
// exact value must be handed back to Unsubscribe.
type Subscription interface {
	ID() string
}

// Transport is the messaging backend the runtime registers handlers with.
type Transport interface {
	Subscribe(kind EventKind, match Predicate, fn HandlerFunc) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// CommandOf returns text up to its first whitespace. Leading whitespace is
// not skipped, so "  .ping" yields an empty command.
func CommandOf(text string) string {
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		return text[:i]
	}
	return text
}

// ArgsOf returns everything after the command token, split on whitespace.
func ArgsOf(text string) []string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil
	}
	return fields[1:]
}
