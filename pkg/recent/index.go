// Package recent maintains each user's recent-conversation list: one entry
// per peer holding the latest message exchanged, newest first.
package recent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"directchat/pkg/docstore"
	"directchat/pkg/domain"
)

const (
	rootCollection = "recent_messages"
	subCollection  = "messages"

	fieldFromID    = "fromId"
	fieldToID      = "toId"
	fieldText      = "text"
	fieldTimestamp = "timestamp"
	fieldEmail     = "email"
	fieldAvatar    = "profileImageUrl"
)

// PeerLookup resolves profile snapshots for entries.
type PeerLookup interface {
	Get(ctx context.Context, id string) (domain.User, error)
}

// Option customises an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.log = l }
}

// Index is the per-owner recency index.
type Index struct {
	docs  docstore.Store
	peers PeerLookup
	log   *slog.Logger
}

// New builds an Index. peers may be nil, leaving profile snapshots empty.
func New(docs docstore.Store, peers PeerLookup, opts ...Option) *Index {
	i := &Index{docs: docs, peers: peers, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Upsert replaces owner's entry for peer with last. An entry already newer
// than last is kept (last writer by timestamp wins); the comparison and the
// write are one atomic store operation, so concurrent upserts settle on the
// newest message whatever order they finish in.
func (i *Index) Upsert(ctx context.Context, owner, peer string, last domain.Message) error {
	snapshot := domain.User{ID: peer}
	if i.peers != nil {
		u, err := i.peers.Get(ctx, peer)
		switch {
		case err == nil:
			snapshot = u
		case errors.Is(err, domain.ErrNotFound):
		default:
			i.log.Warn("peer profile lookup failed", "peer", peer, "err", err)
		}
	}

	entry := domain.RecentEntry{
		OwnerID:   owner,
		PeerID:    peer,
		SenderID:  last.SenderID,
		Text:      last.Text,
		Timestamp: last.CreatedAt,
		Peer:      snapshot,
	}
	written, err := i.docs.SetIfNewer(ctx, entryPath(owner, peer), fieldTimestamp, entryFields(entry, last.RecipientID))
	if err != nil {
		return fmt.Errorf("write recent entry: %w", err)
	}
	if !written {
		i.log.Debug("recent entry already newer", "owner", owner, "peer", peer, "messageId", last.ID)
	}
	return nil
}

// RecordExchange updates both participants' entries for msg.
func (i *Index) RecordExchange(ctx context.Context, msg domain.Message) error {
	return errors.Join(
		i.Upsert(ctx, msg.SenderID, msg.RecipientID, msg),
		i.Upsert(ctx, msg.RecipientID, msg.SenderID, msg),
	)
}

// List returns owner's entries, newest first.
func (i *Index) List(ctx context.Context, owner string) ([]domain.RecentEntry, error) {
	docs, err := i.docs.List(ctx, ownerCollection(owner), fieldTimestamp)
	if err != nil {
		return nil, fmt.Errorf("list recent entries: %w", err)
	}
	entries := make([]domain.RecentEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, entryFromDoc(owner, d))
	}
	sortEntries(entries)
	return entries, nil
}

// Subscribe calls onChange with owner's full list after every batch of
// changes. Replacements are applied in place before the list is built.
func (i *Index) Subscribe(ctx context.Context, owner string, onChange func([]domain.RecentEntry)) (*docstore.Subscription, error) {
	l, err := i.docs.ListenOrdered(ctx, ownerCollection(owner), fieldTimestamp)
	if err != nil {
		return nil, fmt.Errorf("listen recent entries: %w", err)
	}
	current := make(map[string]domain.RecentEntry)
	return docstore.Subscribe(l, func(batch []docstore.Change) {
		for _, c := range batch {
			current[c.Doc.ID] = entryFromDoc(owner, c.Doc)
		}
		entries := make([]domain.RecentEntry, 0, len(current))
		for _, e := range current {
			entries = append(entries, e)
		}
		sortEntries(entries)
		onChange(entries)
	}), nil
}

func sortEntries(entries []domain.RecentEntry) {
	sort.Slice(entries, func(a, b int) bool { return entries[a].Newer(entries[b]) })
}

func ownerCollection(owner string) string {
	return docstore.Join(rootCollection, owner, subCollection)
}

func entryPath(owner, peer string) string {
	return docstore.Join(ownerCollection(owner), peer)
}

func entryFields(e domain.RecentEntry, recipient string) docstore.Fields {
	return docstore.Fields{
		fieldFromID:    e.SenderID,
		fieldToID:      recipient,
		fieldText:      e.Text,
		fieldTimestamp: e.Timestamp,
		fieldEmail:     e.Peer.Email,
		fieldAvatar:    e.Peer.AvatarRef,
	}
}

func entryFromDoc(owner string, d docstore.Document) domain.RecentEntry {
	e := domain.RecentEntry{OwnerID: owner, PeerID: d.ID}
	e.SenderID, _ = d.Fields[fieldFromID].(string)
	e.Text, _ = d.Fields[fieldText].(string)
	e.Timestamp, _ = d.Fields[fieldTimestamp].(time.Time)
	e.Peer.ID = d.ID
	e.Peer.Email, _ = d.Fields[fieldEmail].(string)
	e.Peer.AvatarRef, _ = d.Fields[fieldAvatar].(string)
	return e
}
