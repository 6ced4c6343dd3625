// Package discord adapts a discordgo session to the module runtime's
// transport: every subscription is one session handler with its own remover.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/stake-plus/hayes/src/modules/core"
)

// Session is the part of *discordgo.Session the transport uses.
type Session interface {
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Transport implements core.Transport on top of a Session.
type Transport struct {
	session Session
	selfID  func() string
	ctx     context.Context
	log     *slog.Logger
	guildID string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	id     string
	kind   core.EventKind
	remove func()
}

func (s *subscription) ID() string { return s.id }

var _ core.Transport = (*Transport)(nil)

// Option customises a Transport.
type Option func(*Transport)

// WithGuild limits delivery to messages from one guild. Direct messages
// still pass.
func WithGuild(id string) Option {
	return func(t *Transport) { t.guildID = id }
}

// NewTransport wraps session. selfID returns the bot's own user id; messages
// from it never reach handlers. ctx is handed to every handler.
func NewTransport(ctx context.Context, session Session, selfID func() string, logger *slog.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if selfID == nil {
		selfID = func() string { return "" }
	}
	t := &Transport{
		session: session,
		selfID:  selfID,
		ctx:     ctx,
		log:     logger.With(slog.String("component", "discord")),
		subs:    map[string]*subscription{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionUser returns a selfID func reading the logged-in user from s.State.
func SessionUser(s *discordgo.Session) func() string {
	return func() string {
		if s == nil || s.State == nil || s.State.User == nil {
			return ""
		}
		return s.State.User.ID
	}
}

// Subscribe implements core.Transport.
func (t *Transport) Subscribe(kind core.EventKind, match core.Predicate, fn core.HandlerFunc) (core.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("discord: nil handler")
	}
	var remove func()
	switch kind {
	case core.EventNewMessage:
		remove = t.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m != nil {
				t.dispatch(m.Message, match, fn)
			}
		})
	case core.EventMessageEdit:
		remove = t.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			if m != nil {
				t.dispatch(m.Message, match, fn)
			}
		})
	default:
		return nil, fmt.Errorf("%w: %v", core.ErrUnsupportedEvent, kind)
	}
	if remove == nil {
		return nil, fmt.Errorf("discord: session refused %v handler", kind)
	}

	sub := &subscription{id: uuid.NewString(), kind: kind, remove: remove}
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()
	return sub, nil
}

// Unsubscribe implements core.Transport.
func (t *Transport) Unsubscribe(sub core.Subscription) error {
	if sub == nil {
		return core.ErrUnknownSubscription
	}
	t.mu.Lock()
	s, ok := t.subs[sub.ID()]
	if ok {
		delete(t.subs, sub.ID())
	}
	t.mu.Unlock()
	if !ok {
		return core.ErrUnknownSubscription
	}
	s.remove()
	return nil
}

// Len returns the number of live subscriptions.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Transport) dispatch(msg *discordgo.Message, match core.Predicate, fn core.HandlerFunc) {
	// Edits of embeds arrive without an author.
	if msg == nil || msg.Author == nil {
		return
	}
	if self := t.selfID(); self != "" && msg.Author.ID == self {
		return
	}
	if t.guildID != "" && msg.GuildID != "" && msg.GuildID != t.guildID {
		return
	}
	ev := &Message{msg: msg, session: t.session}
	if match != nil && !match(ev) {
		return
	}
	if err := fn(t.ctx, ev); err != nil {
		t.log.Debug("discord: handler returned error", slog.String("channel", msg.ChannelID), slog.Any("error", err))
	}
}

// Message is a core.Event backed by a Discord message.
type Message struct {
	msg     *discordgo.Message
	session Session
}

// Text implements core.Event.
func (m *Message) Text() string { return m.msg.Content }

// SenderID implements core.Event.
func (m *Message) SenderID() string {
	if m.msg.Author == nil {
		return ""
	}
	return m.msg.Author.ID
}

// OriginID implements core.Event. It is the guild member who posted the
// message, falling back to the author.
func (m *Message) OriginID() string {
	if m.msg.Member != nil && m.msg.Member.User != nil {
		return m.msg.Member.User.ID
	}
	return m.SenderID()
}

// ChannelID returns the channel the message was posted in.
func (m *Message) ChannelID() string { return m.msg.ChannelID }

// Raw returns the underlying discordgo message.
func (m *Message) Raw() *discordgo.Message { return m.msg }

// Reply implements core.Event. Long replies are split across messages and
// only the first one references the original.
func (m *Message) Reply(ctx context.Context, text string) error {
	chunks := SplitMessage(WrapURLsNoEmbed(text))
	for i, chunk := range chunks {
		var err error
		if i == 0 {
			_, err = m.session.ChannelMessageSendReply(m.msg.ChannelID, chunk, m.msg.Reference(), discordgo.WithContext(ctx))
		} else {
			_, err = m.session.ChannelMessageSend(m.msg.ChannelID, chunk, discordgo.WithContext(ctx))
		}
		if err != nil {
			return fmt.Errorf("discord: reply in %s: %w", m.msg.ChannelID, err)
		}
	}
	return nil
}

// NewSession creates a bot session with the intents message commands need.
func NewSession(token string, logger *slog.Logger) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages
	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logger.Info(fmt.Sprintf("discord: logged in as %s", r.User.Username))
	})
	return session, nil
}
