package rtc

import "sync"

// mailbox is an unbounded FIFO; push never blocks, so two endpoints posting
// to each other cannot deadlock.
type mailbox struct {
	mu    sync.Mutex
	queue []Signal
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(s Signal) {
	m.mu.Lock()
	m.queue = append(m.queue, s)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (s Signal, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return
	}
	s, m.queue = m.queue[0], m.queue[1:]
	ok = true
	return
}
