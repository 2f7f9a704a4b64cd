package changefeed

import (
	"context"
	"slices"
	"sync"
)

// InMemory is a Broker for a single process. Each subscriber receives
// batches on its own goroutine, in publish order.
type InMemory struct {
	mu       sync.RWMutex
	subs     map[string][]*subscription
	closed   bool
	closedCh chan struct{}
}

// subscription delivers batches to one handler through a queue so a slow
// handler never blocks the publisher.
type subscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler func([]Change)

	mu    sync.Mutex
	queue [][]Change
	wake  chan struct{}
}

// NewInMemory creates a new in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		subs:     make(map[string][]*subscription),
		closedCh: make(chan struct{}),
	}
}

// Publish queues the changes for every subscriber of topic.
func (m *InMemory) Publish(ctx context.Context, topic string, changes ...Change) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	for _, sub := range m.subs[topic] {
		if sub.ctx.Err() != nil {
			continue
		}
		// Each subscriber gets its own copy.
		sub.enqueue(slices.Clone(changes))
	}

	return nil
}

// Subscribe registers handler for topic until ctx is canceled or Close is called.
func (m *InMemory) Subscribe(ctx context.Context, topic string, handler func([]Change)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ctx:     subCtx,
		cancel:  cancel,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	m.subs[topic] = append(m.subs[topic], sub)

	go sub.deliver()
	go m.watchSubscription(topic, sub)

	return nil
}

// Close stops all subscriptions and prevents new ones.
func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.closed = true
	close(m.closedCh)

	for _, subs := range m.subs {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	m.subs = make(map[string][]*subscription)

	return nil
}

func (m *InMemory) watchSubscription(topic string, sub *subscription) {
	select {
	case <-sub.ctx.Done():
		m.removeSubscription(topic, sub)
	case <-m.closedCh:
		sub.cancel()
	}
}

func (m *InMemory) removeSubscription(topic string, target *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs[topic] = slices.DeleteFunc(m.subs[topic], func(s *subscription) bool {
		return s == target
	})
	target.cancel()

	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
}

func (s *subscription) enqueue(batch []Change) {
	s.mu.Lock()
	s.queue = append(s.queue, batch)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) deliver() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.ctx.Err() != nil {
				return
			}
			s.handler(batch)
		}
	}
}
