package docstore

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Subscription hands listener changes to a callback on its own goroutine.
// Callbacks never overlap, and once Unsubscribe returns no callback is
// running or will start, except the one Unsubscribe was called from.
type Subscription struct {
	listener Listener
	mu       sync.Mutex // held while a callback runs
	closed   bool
	runner   atomic.Uint64 // goroutine that runs callbacks
	done     chan struct{}
}

// Subscribe starts delivering l's changes to onBatch. Changes that are
// already queued are handed over together as one batch.
func Subscribe(l Listener, onBatch func([]Change)) *Subscription {
	s := &Subscription{listener: l, done: make(chan struct{})}
	go s.run(onBatch)
	return s
}

func (s *Subscription) run(onBatch func([]Change)) {
	defer close(s.done)
	s.runner.Store(goroutineID())
	changes := s.listener.Changes()
	for c := range changes {
		batch := []Change{c}
		open := true
	drain:
		for open {
			select {
			case next, ok := <-changes:
				if !ok {
					open = false
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.deliver(onBatch, batch)
		if !open {
			return
		}
	}
}

func (s *Subscription) deliver(onBatch func([]Change), batch []Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	onBatch(batch)
}

// Unsubscribe stops delivery. From any other goroutine it waits for a
// callback in progress; from inside the callback it returns at once and no
// later callback starts. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	if id := goroutineID(); id != 0 && s.runner.Load() == id {
		// deliver holds s.mu on this goroutine.
		if !s.closed {
			s.closed = true
			s.listener.Close()
		}
		return
	}
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.listener.Close()
	}
}

// Done is closed once the underlying listener has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the listener stopped, if it failed.
func (s *Subscription) Err() error { return s.listener.Err() }

// goroutineID parses the current goroutine's number from its stack header,
// "goroutine 18 [running]:". It returns 0 if the header is unexpected.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	num, _, _ := strings.Cut(header, " ")
	id, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
