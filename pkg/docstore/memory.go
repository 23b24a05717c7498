package docstore

import (
	"context"
	"fmt"
	"sync"

	"directchat/internal/util"
	"directchat/pkg/domain"
)

// MemoryStore keeps documents in-process. It is used by tests and single
// process deployments.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]Fields              // path -> fields
	children  map[string]map[string]struct{} // collection -> doc IDs
	listeners map[string]map[*pump]struct{}  // collection -> listeners
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]Fields),
		children:  make(map[string]map[string]struct{}),
		listeners: make(map[string]map[*pump]struct{}),
	}
}

// Set creates or replaces a document and notifies collection listeners.
func (m *MemoryStore) Set(ctx context.Context, path string, fields Fields) error {
	_, err := m.write(ctx, path, fields, nil)
	return err
}

// SetIfNewer writes fields unless the stored document is newer by field.
func (m *MemoryStore) SetIfNewer(ctx context.Context, path, field string, fields Fields) (bool, error) {
	incoming, err := timeField(fields, field)
	if err != nil {
		return false, err
	}
	return m.write(ctx, path, fields, func(stored Fields) bool {
		return !storedIsNewer(stored, field, incoming)
	})
}

// write stores fields if allow, when set, accepts the current document.
func (m *MemoryStore) write(ctx context.Context, path string, fields Fields, allow func(Fields) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.NewStoreError(domain.Unreachable, err)
	}
	collection, id, err := SplitDocument(path)
	if err != nil {
		return false, err
	}
	stored := copyFields(fields)
	for k, v := range stored {
		if _, err := encodeValue(v); err != nil {
			return false, fmt.Errorf("field %q: %w", k, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kind := Modified
	current, exists := m.docs[path]
	if !exists {
		kind = Added
	}
	if exists && allow != nil && !allow(current) {
		return false, nil
	}
	m.docs[path] = stored
	if m.children[collection] == nil {
		m.children[collection] = make(map[string]struct{})
	}
	m.children[collection][id] = struct{}{}
	for l := range m.listeners[collection] {
		l.push(Change{Kind: kind, Doc: Document{ID: id, Path: path, Fields: copyFields(stored)}})
	}
	return true, nil
}

// Get returns a copy of the document fields.
func (m *MemoryStore) Get(ctx context.Context, path string) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.docs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyFields(f), nil
}

// AddToCollection stores fields under a generated ID.
func (m *MemoryStore) AddToCollection(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	id := util.NewID()
	if err := m.Set(ctx, Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

// List returns the collection ordered by orderField.
func (m *MemoryStore) List(ctx context.Context, collection, orderField string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, err)
	}
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(collection, orderField), nil
}

func (m *MemoryStore) listLocked(collection, orderField string) []Document {
	docs := make([]Document, 0, len(m.children[collection]))
	for id := range m.children[collection] {
		path := Join(collection, id)
		docs = append(docs, Document{ID: id, Path: path, Fields: copyFields(m.docs[path])})
	}
	sortDocuments(docs, orderField)
	return docs
}

// ListenOrdered snapshots the collection and registers for later changes
// under one lock, so no change falls between backfill and live tail.
func (m *MemoryStore) ListenOrdered(ctx context.Context, collection, orderField string) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, err)
	}
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.listLocked(collection, orderField)
	backfill := make([]Change, 0, len(docs))
	for _, d := range docs {
		backfill = append(backfill, Change{Kind: Added, Doc: d})
	}
	var p *pump
	p = newPump(backfill, func() { m.removeListener(collection, p) })
	if m.listeners[collection] == nil {
		m.listeners[collection] = make(map[*pump]struct{})
	}
	m.listeners[collection][p] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()
	return p, nil
}

func (m *MemoryStore) removeListener(collection string, p *pump) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners[collection], p)
	if len(m.listeners[collection]) == 0 {
		delete(m.listeners, collection)
	}
}
