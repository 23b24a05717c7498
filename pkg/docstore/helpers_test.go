package docstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func nextChange(t *testing.T, l Listener) Change {
	t.Helper()
	select {
	case c, ok := <-l.Changes():
		if !ok {
			t.Fatalf("listener closed early: %v", l.Err())
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return Change{}
}

func at(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0).UTC()
}

// checkSetIfNewer exercises the conditional write contract on s.
func checkSetIfNewer(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	ok, err := s.SetIfNewer(ctx, "recent/a/messages/b", "ts", Fields{"text": "first", "ts": at(5)})
	if err != nil || !ok {
		t.Fatalf("first write = %v, %v", ok, err)
	}
	ok, err = s.SetIfNewer(ctx, "recent/a/messages/b", "ts", Fields{"text": "stale", "ts": at(3)})
	if err != nil || ok {
		t.Fatalf("stale write = %v, %v", ok, err)
	}
	ok, err = s.SetIfNewer(ctx, "recent/a/messages/b", "ts", Fields{"text": "same time", "ts": at(5)})
	if err != nil || !ok {
		t.Fatalf("equal-time write = %v, %v", ok, err)
	}
	got, err := s.Get(ctx, "recent/a/messages/b")
	if err != nil || got["text"] != "same time" {
		t.Fatalf("get = %v, %v", got, err)
	}
	if _, err := s.SetIfNewer(ctx, "recent/a/messages/b", "ts", Fields{"text": "no time"}); err == nil {
		t.Fatalf("expected error for a missing time field")
	}

	var wg sync.WaitGroup
	for i := 20; i >= 6; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.SetIfNewer(ctx, "recent/a/messages/b", "ts", Fields{"text": fmt.Sprint(i), "ts": at(int64(i))}); err != nil {
				t.Errorf("write %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	got, err = s.Get(ctx, "recent/a/messages/b")
	if err != nil || got["text"] != "20" {
		t.Fatalf("after concurrent writes = %v, %v", got, err)
	}
}
