package recent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"directchat/pkg/docstore"
	"directchat/pkg/domain"
	"directchat/pkg/profile"
)

func msgAt(id, from, to, text string, sec int64) domain.Message {
	return domain.Message{ID: id, SenderID: from, RecipientID: to, Text: text, CreatedAt: time.Unix(1700000000+sec, 0).UTC()}
}

func newTestIndex(t *testing.T) (*Index, *docstore.MemoryStore) {
	t.Helper()
	docs := docstore.NewMemoryStore()
	profiles := profile.New(docs, nil)
	ctx := context.Background()
	for _, u := range []domain.User{{ID: "a", Email: "a@x.com"}, {ID: "b", Email: "b@x.com"}, {ID: "c", Email: "c@x.com"}, {ID: "d", Email: "d@x.com"}} {
		if err := profiles.Create(ctx, u); err != nil {
			t.Fatalf("create profile: %v", err)
		}
	}
	return New(docs, profiles), docs
}

func TestUpsertReplacesEntry(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "a", "b", msgAt("1", "a", "b", "hi", 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "a", "b", msgAt("2", "a", "b", "hi", 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	entries, err := idx.List(ctx, "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	e := entries[0]
	if e.PeerID != "b" || e.Text != "hi" || !e.Timestamp.Equal(msgAt("", "", "", "", 2).CreatedAt) {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Peer.Email != "b@x.com" {
		t.Fatalf("expected peer snapshot, got %+v", e.Peer)
	}
}

func TestUpsertKeepsNewerEntry(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	_ = idx.Upsert(ctx, "a", "b", msgAt("2", "b", "a", "newer", 5))
	_ = idx.Upsert(ctx, "a", "b", msgAt("1", "a", "b", "older", 3))
	entries, _ := idx.List(ctx, "a")
	if len(entries) != 1 || entries[0].Text != "newer" {
		t.Fatalf("stale upsert overwrote newer entry: %+v", entries)
	}
}

func TestListIsNewestFirst(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	for i, peer := range []string{"b", "c", "d"} {
		if err := idx.Upsert(ctx, "a", peer, msgAt(peer, "a", peer, "m", int64(i))); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	entries, _ := idx.List(ctx, "a")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i-1].Timestamp.After(entries[i].Timestamp) {
			t.Fatalf("entries not strictly descending: %+v", entries)
		}
	}
	if entries[0].PeerID != "d" {
		t.Fatalf("expected newest peer d first, got %s", entries[0].PeerID)
	}
}

func TestRecordExchangeUpdatesBothOwners(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	if err := idx.RecordExchange(ctx, msgAt("1", "a", "b", "hello", 1)); err != nil {
		t.Fatalf("record: %v", err)
	}
	for owner, peer := range map[string]string{"a": "b", "b": "a"} {
		entries, _ := idx.List(ctx, owner)
		if len(entries) != 1 || entries[0].PeerID != peer || entries[0].Text != "hello" {
			t.Fatalf("owner %s entries = %+v", owner, entries)
		}
	}
}

func TestSubscribeEmitsFullSortedList(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	_ = idx.Upsert(ctx, "a", "b", msgAt("1", "a", "b", "first", 1))
	_ = idx.Upsert(ctx, "a", "c", msgAt("2", "a", "c", "second", 2))

	lists := make(chan []domain.RecentEntry, 10)
	sub, err := idx.Subscribe(ctx, "a", func(entries []domain.RecentEntry) { lists <- entries })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	waitFor := func(pred func([]domain.RecentEntry) bool) []domain.RecentEntry {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case l := <-lists:
				if pred(l) {
					return l
				}
			case <-deadline:
				t.Fatalf("timed out waiting for list")
			}
		}
	}
	waitFor(func(l []domain.RecentEntry) bool { return len(l) == 2 })

	_ = idx.Upsert(ctx, "a", "b", msgAt("3", "b", "a", "third", 3))
	got := waitFor(func(l []domain.RecentEntry) bool { return len(l) > 0 && l[0].Text == "third" })
	if len(got) != 2 || got[0].PeerID != "b" || got[1].PeerID != "c" {
		t.Fatalf("expected b re-sorted to the front without losing c, got %+v", got)
	}
	for {
		select {
		case l := <-lists:
			if len(l) != 2 {
				t.Fatalf("observer saw a list with %d entries", len(l))
			}
		default:
			return
		}
	}
}

// gatedPeers holds the first profile lookup until released.
type gatedPeers struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPeers) Get(_ context.Context, id string) (domain.User, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return domain.User{ID: id}, nil
}

func TestSlowOlderUpsertDoesNotOverwriteNewer(t *testing.T) {
	docs := docstore.NewMemoryStore()
	peers := &gatedPeers{entered: make(chan struct{}), release: make(chan struct{})}
	idx := New(docs, peers)
	ctx := context.Background()

	olderDone := make(chan error, 1)
	go func() { olderDone <- idx.Upsert(ctx, "a", "b", msgAt("1", "a", "b", "older", 0)) }()
	<-peers.entered

	if err := idx.Upsert(ctx, "a", "b", msgAt("2", "b", "a", "newer", 1)); err != nil {
		t.Fatalf("newer upsert: %v", err)
	}
	close(peers.release)
	if err := <-olderDone; err != nil {
		t.Fatalf("older upsert: %v", err)
	}

	entries, err := idx.List(ctx, "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "newer" {
		t.Fatalf("entry = %+v, want newer", entries)
	}
}

func TestConcurrentUpsertsSettleOnNewest(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := msgAt(fmt.Sprint(i), "a", "b", fmt.Sprintf("m%d", i), int64(i))
			if err := idx.RecordExchange(ctx, msg); err != nil {
				t.Errorf("record %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	want := fmt.Sprintf("m%d", n-1)
	for _, owner := range []string{"a", "b"} {
		entries, err := idx.List(ctx, owner)
		if err != nil {
			t.Fatalf("list %s: %v", owner, err)
		}
		if len(entries) != 1 || entries[0].Text != want {
			t.Fatalf("%s entries = %+v, want %s", owner, entries, want)
		}
	}
}
