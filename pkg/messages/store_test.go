package messages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"directchat/pkg/docstore"
	"directchat/pkg/domain"
)

// flakyDocs fails writes whose path starts with failPrefix.
type flakyDocs struct {
	*docstore.MemoryStore
	failPrefix string
}

func (f *flakyDocs) Set(ctx context.Context, path string, fields docstore.Fields) error {
	if f.failPrefix != "" && strings.HasPrefix(path, f.failPrefix) {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Set(ctx, path, fields)
}

type collector struct {
	mu   sync.Mutex
	msgs []domain.Message
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 100)}
}

func (c *collector) add(m domain.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []domain.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.msgs...)
}

func fixedClock(start time.Time) func() time.Time {
	return func() time.Time { return start }
}

func TestAppendIsVisibleFromBothViews(t *testing.T) {
	s := New(docstore.NewMemoryStore())
	ctx := context.Background()

	msg, err := s.Append(ctx, "a", "b", "hello")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, view := range [][2]string{{"a", "b"}, {"b", "a"}} {
		got, err := s.History(ctx, view[0], view[1])
		if err != nil {
			t.Fatalf("history %v: %v", view, err)
		}
		if len(got) != 1 || got[0].ID != msg.ID || got[0].Text != "hello" || !got[0].CreatedAt.Equal(msg.CreatedAt) {
			t.Fatalf("view %v = %+v, want %+v", view, got, msg)
		}
	}
}

func TestSubscribeDeliversHistoryThenLive(t *testing.T) {
	s := New(docstore.NewMemoryStore())
	ctx := context.Background()
	first, _ := s.Append(ctx, "a", "b", "one")
	second, _ := s.Append(ctx, "b", "a", "two")

	c := newCollector()
	sub, err := s.Subscribe(ctx, "b", "a", c.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	got := c.wait(t, 2)
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("history out of order: %+v", got)
	}

	third, _ := s.Append(ctx, "a", "b", "three")
	got = c.wait(t, 1)
	if got[2].ID != third.ID || got[2].Text != "three" {
		t.Fatalf("live message = %+v, want %+v", got[2], third)
	}
}

func TestTimestampsStrictlyIncreasePerSender(t *testing.T) {
	s := New(docstore.NewMemoryStore(), WithClock(fixedClock(time.Unix(1700000000, 0))))
	ctx := context.Background()
	var prev time.Time
	for i := 0; i < 5; i++ {
		msg, err := s.Append(ctx, "a", "b", "hi")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if !msg.CreatedAt.After(prev) {
			t.Fatalf("timestamp %v not after %v", msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}
	history, _ := s.History(ctx, "a", "b")
	for i := 1; i < len(history); i++ {
		if !history[i-1].Before(history[i]) {
			t.Fatalf("history not ascending at %d", i)
		}
	}
}

func TestAppendValidation(t *testing.T) {
	s := New(docstore.NewMemoryStore())
	ctx := context.Background()
	if _, err := s.Append(ctx, "a", "a", "hi"); !errors.Is(err, ErrSelfMessage) {
		t.Fatalf("expected self message error, got %v", err)
	}
	if _, err := s.Append(ctx, "a", "b", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
}

func TestAppendUnreachable(t *testing.T) {
	docs := &flakyDocs{MemoryStore: docstore.NewMemoryStore(), failPrefix: "messages/"}
	s := New(docs)
	if _, err := s.Append(context.Background(), "a", "b", "hi"); !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestPartialMirroredWriteLeavesAsymmetry(t *testing.T) {
	docs := &flakyDocs{MemoryStore: docstore.NewMemoryStore(), failPrefix: "messages/b/a/"}
	s := New(docs)
	ctx := context.Background()

	if _, err := s.Append(ctx, "a", "b", "hi"); !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	senderView, _ := s.History(ctx, "a", "b")
	recipientView, _ := s.History(ctx, "b", "a")
	if len(senderView) != 1 || len(recipientView) != 0 {
		t.Fatalf("expected sender-only copy after partial failure, got %d/%d", len(senderView), len(recipientView))
	}
}
