package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("directchat"),
		postgres.WithUsername("chat"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	s, err := NewGormStore(dsn, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

func TestGormStoreSetIfNewer(t *testing.T) {
	checkSetIfNewer(t, newTestGormStore(t))
}

func TestGormStoreWaitsForCollectionWriter(t *testing.T) {
	s := newTestGormStore(t)
	ctx := context.Background()
	l, err := s.ListenOrdered(ctx, "messages/a/b", "ts")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	// An open transaction holding the collection lock stands in for a
	// writer that has not committed yet.
	holder := s.db.Begin()
	if err := holder.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "messages/a/b").Error; err != nil {
		t.Fatalf("lock: %v", err)
	}
	written := make(chan error, 1)
	go func() { written <- s.Set(ctx, "messages/a/b/m1", Fields{"ts": at(1)}) }()
	select {
	case err := <-written:
		t.Fatalf("write finished while another writer held the collection: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if err := holder.Rollback().Error; err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := <-written; err != nil {
		t.Fatalf("set: %v", err)
	}
	if c := nextChange(t, l); c.Doc.ID != "m1" {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestGormStoreListenerSeesConcurrentWrites(t *testing.T) {
	s := newTestGormStore(t)
	ctx := context.Background()
	l, err := s.ListenOrdered(ctx, "messages/a/b", "ts")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.AddToCollection(ctx, "messages/a/b", Fields{"ts": at(int64(i))})
			if err != nil {
				t.Errorf("add %d: %v", i, err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	want := make(map[string]struct{}, n)
	for id := range ids {
		want[id] = struct{}{}
	}
	for len(want) > 0 {
		c := nextChange(t, l)
		delete(want, c.Doc.ID)
	}
}
