// Package messages stores one-to-one conversations as two mirrored views,
// messages/{owner}/{other}/{id}, one per participant.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"directchat/internal/util"
	"directchat/pkg/docstore"
	"directchat/pkg/domain"
)

const (
	rootCollection = "messages"

	fieldFromID    = "fromId"
	fieldToID      = "toId"
	fieldText      = "text"
	fieldTimestamp = "timestamp"
)

var (
	// ErrSelfMessage is returned when sender and recipient are the same user.
	ErrSelfMessage = errors.New("sender and recipient must differ")
	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("message text required")
)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store appends messages and streams conversation views.
type Store struct {
	docs docstore.Store
	now  func() time.Time
	log  *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time // sender -> last stamp issued
}

// New builds a Store over a document store.
func New(docs docstore.Store, opts ...Option) *Store {
	s := &Store{
		docs:     docs,
		now:      time.Now,
		log:      slog.Default(),
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Append writes the message to both participants' views concurrently. The
// fan-out is not atomic: if one write fails the other may already be
// visible, and the error reports the failure without rolling back.
func (s *Store) Append(ctx context.Context, sender, recipient, text string) (domain.Message, error) {
	if strings.TrimSpace(sender) == "" || strings.TrimSpace(recipient) == "" {
		return domain.Message{}, errors.New("sender and recipient required")
	}
	if sender == recipient {
		return domain.Message{}, ErrSelfMessage
	}
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	msg := domain.Message{
		ID:          util.NewID(),
		SenderID:    sender,
		RecipientID: recipient,
		Text:        text,
		CreatedAt:   s.stamp(sender),
	}
	fields := messageFields(msg)

	var g errgroup.Group
	for _, path := range []string{
		docstore.Join(ViewPath(sender, recipient), msg.ID),
		docstore.Join(ViewPath(recipient, sender), msg.ID),
	} {
		g.Go(func() error {
			return s.docs.Set(ctx, path, fields)
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("mirrored message write failed", "messageId", msg.ID, "sender", sender, "recipient", recipient, "err", err)
		return domain.Message{}, fmt.Errorf("append message: %w", asStoreError(err))
	}
	return msg, nil
}

// Subscribe streams the (owner, peer) view to onMessage: history first in
// ascending order, then new messages. Delivery is at-least-once.
func (s *Store) Subscribe(ctx context.Context, owner, peer string, onMessage func(domain.Message)) (*docstore.Subscription, error) {
	l, err := s.docs.ListenOrdered(ctx, ViewPath(owner, peer), fieldTimestamp)
	if err != nil {
		return nil, fmt.Errorf("listen messages: %w", asStoreError(err))
	}
	return docstore.Subscribe(l, func(batch []docstore.Change) {
		for _, c := range batch {
			if c.Kind != docstore.Added {
				continue
			}
			msg, err := messageFromDoc(c.Doc)
			if err != nil {
				s.log.Warn("skipping malformed message", "path", c.Doc.Path, "err", err)
				continue
			}
			onMessage(msg)
		}
	}), nil
}

// History returns the (owner, peer) view in ascending order.
func (s *Store) History(ctx context.Context, owner, peer string) ([]domain.Message, error) {
	docs, err := s.docs.List(ctx, ViewPath(owner, peer), fieldTimestamp)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", asStoreError(err))
	}
	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		msg, err := messageFromDoc(d)
		if err != nil {
			s.log.Warn("skipping malformed message", "path", d.Path, "err", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ViewPath is the collection holding owner's copy of the conversation with other.
func ViewPath(owner, other string) string {
	return docstore.Join(rootCollection, owner, other)
}

// stamp issues a strictly increasing timestamp per sender.
func (s *Store) stamp(sender string) time.Time {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSent[sender]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	s.lastSent[sender] = now
	return now
}

func messageFields(m domain.Message) docstore.Fields {
	return docstore.Fields{
		fieldFromID:    m.SenderID,
		fieldToID:      m.RecipientID,
		fieldText:      m.Text,
		fieldTimestamp: m.CreatedAt,
	}
}

func messageFromDoc(d docstore.Document) (domain.Message, error) {
	from, _ := d.Fields[fieldFromID].(string)
	to, _ := d.Fields[fieldToID].(string)
	text, _ := d.Fields[fieldText].(string)
	ts, ok := d.Fields[fieldTimestamp].(time.Time)
	if from == "" || to == "" || !ok {
		return domain.Message{}, fmt.Errorf("message %s: missing fields", d.ID)
	}
	return domain.Message{ID: d.ID, SenderID: from, RecipientID: to, Text: text, CreatedAt: ts}, nil
}

// asStoreError classifies backend failures that carry no kind as unreachable.
func asStoreError(err error) error {
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	return domain.NewStoreError(domain.Unreachable, err)
}
