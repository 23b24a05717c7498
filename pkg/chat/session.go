// Package chat drives one open conversation between the logged-in user and
// a peer: it streams the conversation view, sends messages and hands the
// recent-conversation update off to an IndexUpdater.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"directchat/internal/async"
	"directchat/pkg/docstore"
	"directchat/pkg/domain"
)

// State is the lifecycle position of a Session.
type State int

const (
	Closed State = iota
	Open
	Sending
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

// ErrInvalidPeer is returned when opening a chat with oneself or nobody.
var ErrInvalidPeer = errors.New("chat peer must be another user")

// SessionSource reports who is logged in.
type SessionSource interface {
	CurrentUser() (string, bool)
}

// MessageLog is the message store as seen by a chat.
type MessageLog interface {
	Append(ctx context.Context, sender, recipient, text string) (domain.Message, error)
	Subscribe(ctx context.Context, owner, peer string, onMessage func(domain.Message)) (*docstore.Subscription, error)
}

// IndexUpdater records a sent message in the recent-conversation index.
// Submit must not block on the index write and reports failures itself.
type IndexUpdater interface {
	Submit(ctx context.Context, msg domain.Message)
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is one conversation. The zero state is Closed; a closed session
// may be opened again.
type Session struct {
	sessions SessionSource
	messages MessageLog
	index    IndexUpdater
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	local     string
	peer      string
	sub       *docstore.Subscription
	seen      map[string]struct{}
	received  []domain.Message
	pending   string
	onMessage func(domain.Message)
}

// New builds a closed Session. index may be nil to skip index updates.
func New(sessions SessionSource, messages MessageLog, index IndexUpdater, opts ...Option) *Session {
	s := &Session{
		sessions: sessions,
		messages: messages,
		index:    index,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open starts streaming the (localUser, peer) view. onMessage is called once
// per distinct message, history first; it may be nil. The stream also stops
// when ctx ends.
func (s *Session) Open(ctx context.Context, localUser, peer string, onMessage func(domain.Message)) error {
	current, ok := s.sessions.CurrentUser()
	if !ok || current != localUser {
		return domain.ErrNoActiveLogin
	}
	if strings.TrimSpace(peer) == "" || peer == localUser {
		return ErrInvalidPeer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		if s.local == localUser && s.peer == peer {
			return nil
		}
		return domain.ErrNotOpen
	}
	s.local, s.peer = localUser, peer
	s.seen = make(map[string]struct{})
	s.received = nil
	s.onMessage = onMessage

	// Callbacks wait on s.mu until Open returns, so none can observe a
	// half-initialised session.
	sub, err := s.messages.Subscribe(ctx, localUser, peer, s.receive)
	if err != nil {
		return err
	}
	s.sub = sub
	s.state = Open
	s.log.Debug("chat opened", "user", localUser, "peer", peer)
	return nil
}

func (s *Session) receive(msg domain.Message) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ID] = struct{}{}
	i := sort.Search(len(s.received), func(i int) bool { return msg.Before(s.received[i]) })
	s.received = append(s.received, domain.Message{})
	copy(s.received[i+1:], s.received[i:])
	s.received[i] = msg
	fn := s.onMessage
	s.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// Send appends text to the conversation and returns once both views are
// written. The index update is submitted afterwards and cannot fail the send.
// Only one send runs at a time; a second concurrent call gets NotOpen. The
// pending buffer is cleared only if it still holds the sent text.
func (s *Session) Send(ctx context.Context, text string) (domain.Message, error) {
	current, ok := s.sessions.CurrentUser()

	s.mu.Lock()
	if !ok || (s.state != Closed && current != s.local) {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrNoActiveLogin
	}
	if s.state != Open {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrNotOpen
	}
	s.state = Sending
	local, peer := s.local, s.peer
	s.mu.Unlock()

	msg, err := s.messages.Append(ctx, local, peer, text)

	s.mu.Lock()
	if s.state == Sending {
		s.state = Open
	}
	if err == nil && s.pending == text {
		s.pending = ""
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Message{}, err
	}

	if s.index != nil {
		s.index.Submit(context.WithoutCancel(ctx), msg)
	}
	return msg, nil
}

// SendAsync runs Send on its own goroutine.
func (s *Session) SendAsync(ctx context.Context, text string) *async.Future[domain.Message] {
	return async.Go(ctx, func(ctx context.Context) (domain.Message, error) {
		return s.Send(ctx, text)
	})
}

// SendPending sends the pending input buffer.
func (s *Session) SendPending(ctx context.Context) (domain.Message, error) {
	return s.Send(ctx, s.Pending())
}

// SetPending replaces the pending input buffer.
func (s *Session) SetPending(text string) {
	s.mu.Lock()
	s.pending = text
	s.mu.Unlock()
}

// Pending returns the pending input buffer.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close stops the subscription. No onMessage call is running or will start
// once Close returns; called from inside onMessage, it does not wait for
// that call. Closing a closed session is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	sub := s.sub
	s.sub = nil
	s.onMessage = nil
	local, peer := s.local, s.peer
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.log.Debug("chat closed", "user", local, "peer", peer)
}

// Messages returns the received messages ordered by (timestamp, id).
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.received...)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the other participant of the last opened conversation.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}
