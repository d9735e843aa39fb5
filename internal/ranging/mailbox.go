package ranging

import "sync"

// mailbox is an unbounded FIFO drained by a single goroutine. Push never
// blocks, so engine dispatch goroutines cannot stall on a busy controller.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

// push enqueues item. It reports false once the mailbox is closed.
func (m *mailbox[T]) push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// drain returns everything queued so far.
func (m *mailbox[T]) drain() ([]T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items, m.closed
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// run calls fn for each item in order until the mailbox is closed and empty.
func (m *mailbox[T]) run(fn func(T)) {
	for {
		items, closed := m.drain()
		for _, item := range items {
			fn(item)
		}
		if closed && len(items) == 0 {
			return
		}
		if len(items) == 0 {
			<-m.notify
		}
	}
}
