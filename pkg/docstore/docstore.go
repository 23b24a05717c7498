// Package docstore is the document database collaborator: hierarchical
// collection/document paths, string-keyed fields of primitive values and
// ordered change listeners.
//
// Paths alternate collection and document segments, Firestore style:
// "users" is a collection, "users/u1" a document, "messages/a/b" a
// collection nested under document "messages/a".
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Fields holds document values. Supported value types are string, int64,
// float64, bool and time.Time; int values are stored as int64.
type Fields map[string]any

// Document is one stored document.
type Document struct {
	ID     string
	Path   string
	Fields Fields
}

// ChangeKind tells whether a document was created or replaced.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is one event delivered by a Listener.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Listener streams changes of one collection. The channel is closed after
// Close, after the listen context ends, or after a backend failure, in
// which case Err reports it.
type Listener interface {
	Changes() <-chan Change
	Err() error
	Close()
}

// Store is the document database contract.
type Store interface {
	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, fields Fields) error
	// SetIfNewer writes fields at path unless the stored document's time
	// field is later than fields[field], as one atomic step. It reports
	// whether the write happened.
	SetIfNewer(ctx context.Context, path, field string, fields Fields) (bool, error)
	// Get returns the document fields or domain.ErrNotFound.
	Get(ctx context.Context, path string) (Fields, error)
	// AddToCollection stores fields under a generated document ID.
	AddToCollection(ctx context.Context, collection string, fields Fields) (string, error)
	// List returns every document of collection ordered by orderField, then ID.
	List(ctx context.Context, collection, orderField string) ([]Document, error)
	// ListenOrdered first emits every existing document as Added in
	// ascending orderField order, then each later change once.
	ListenOrdered(ctx context.Context, collection, orderField string) (Listener, error)
}

var errInvalidPath = errors.New("invalid path")

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitDocument splits a document path into its collection path and ID.
func SplitDocument(path string) (collection, id string, err error) {
	segs, err := segments(path)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", errInvalidPath, path)
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

func checkCollection(path string) error {
	segs, err := segments(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", errInvalidPath, path)
	}
	return nil
}

func segments(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", errInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", errInvalidPath, path)
		}
	}
	return segs, nil
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if n, ok := v.(int); ok {
			v = int64(n)
		}
		out[k] = v
	}
	return out
}

// storedIsNewer reports whether stored[field] is a time later than incoming.
func storedIsNewer(stored Fields, field string, incoming time.Time) bool {
	ts, ok := stored[field].(time.Time)
	return ok && ts.After(incoming)
}

func timeField(fields Fields, field string) (time.Time, error) {
	ts, ok := fields[field].(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("field %q must be a time", field)
	}
	return ts, nil
}
