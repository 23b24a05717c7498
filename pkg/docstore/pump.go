package docstore

import "sync"

// pump is a Listener backed by an unbounded queue, so producers never wait
// on a slow consumer.
type pump struct {
	mu     sync.Mutex
	queue  []Change
	err    error
	signal chan struct{}
	out    chan Change
	done   chan struct{}
	once   sync.Once
	onStop func()
}

func newPump(backfill []Change, onStop func()) *pump {
	p := &pump{
		queue:  backfill,
		signal: make(chan struct{}, 1),
		out:    make(chan Change),
		done:   make(chan struct{}),
		onStop: onStop,
	}
	go p.run()
	return p
}

func (p *pump) Changes() <-chan Change { return p.out }

func (p *pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pump) Close() {
	p.once.Do(func() {
		close(p.done)
		if p.onStop != nil {
			p.onStop()
		}
	})
}

func (p *pump) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.Close()
}

func (p *pump) push(c Change) {
	p.mu.Lock()
	p.queue = append(p.queue, c)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pump) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()
		for _, c := range batch {
			select {
			case p.out <- c:
			case <-p.done:
				return
			}
		}
		select {
		case <-p.signal:
		case <-p.done:
			return
		}
	}
}
