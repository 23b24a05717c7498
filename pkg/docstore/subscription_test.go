package docstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubscriptionDeliversInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "c/1", Fields{"ts": at(1)})
	_ = s.Set(ctx, "c/2", Fields{"ts": at(2)})

	l, err := s.ListenOrdered(ctx, "c", "ts")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := make(chan string, 10)
	sub := Subscribe(l, func(batch []Change) {
		for _, c := range batch {
			got <- c.Doc.ID
		}
	})
	defer sub.Unsubscribe()

	_ = s.Set(ctx, "c/3", Fields{"ts": at(3)})
	for _, want := range []string{"1", "2", "3"} {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("got %s, want %s", id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSubscriptionNoCallbackAfterUnsubscribe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, err := s.ListenOrdered(ctx, "c", "ts")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var after atomic.Bool
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sub := Subscribe(l, func([]Change) {
		if after.Load() {
			t.Errorf("callback fired after Unsubscribe returned")
		}
		if calls.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
	})

	_ = s.Set(ctx, "c/1", Fields{"ts": at(1)})
	<-entered

	unsubscribed := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		after.Store(true)
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatalf("Unsubscribe returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-unsubscribed

	for i := 2; i < 10; i++ {
		_ = s.Set(ctx, "c/"+string(rune('0'+i)), Fields{"ts": at(int64(i))})
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription goroutine did not stop")
	}
	sub.Unsubscribe()
}

func TestUnsubscribeFromCallbackReturns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "c/1", Fields{"ts": at(1)})
	l, err := s.ListenOrdered(ctx, "c", "ts")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var calls atomic.Int32
	returned := make(chan struct{})
	var sub *Subscription
	ready := make(chan struct{})
	sub = Subscribe(l, func([]Change) {
		<-ready
		calls.Add(1)
		sub.Unsubscribe()
		close(returned)
	})
	close(ready)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("Unsubscribe called from the callback did not return")
	}
	_ = s.Set(ctx, "c/2", Fields{"ts": at(2)})
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription goroutine did not stop")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("got %d callbacks, want 1", n)
	}
	sub.Unsubscribe()
}

func TestGoroutineIDDistinguishesGoroutines(t *testing.T) {
	mine := goroutineID()
	if mine == 0 {
		t.Fatalf("goroutine id not parsed")
	}
	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	if got := <-other; got == mine || got == 0 {
		t.Fatalf("other goroutine id = %d, mine = %d", got, mine)
	}
}
