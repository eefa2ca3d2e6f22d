package log

import (
	"io"
	"sync"
)

const (
	subscriberBuffer = 256
	// DefaultBacklog is the number of recent lines replayed to new subscribers.
	DefaultBacklog = 200
)

// Broadcaster is an io.Writer that fans out every Write to all registered
// subscriber channels and keeps the most recent lines for late joiners.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	backlog     [][]byte
	next        int
	full        bool
}

func NewBroadcaster(backlog int) *Broadcaster {
	if backlog < 0 {
		backlog = 0
	}
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
		backlog:     make([][]byte, backlog),
	}
}

// Write copies p (typically one log line) to every subscriber. Slow
// subscribers are skipped so a stuck client never blocks the logger.
func (b *Broadcaster) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.backlog) > 0 {
		b.backlog[b.next] = buf
		b.next = (b.next + 1) % len(b.backlog)
		if b.next == 0 {
			b.full = true
		}
	}
	for ch := range b.subscribers {
		select {
		case ch <- buf:
		default:
		}
	}
	return len(p), nil
}

// Recent returns the buffered lines, oldest first.
func (b *Broadcaster) Recent() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.full {
		return append([][]byte(nil), b.backlog[:b.next]...)
	}
	out := make([][]byte, 0, len(b.backlog))
	out = append(out, b.backlog[b.next:]...)
	return append(out, b.backlog[:b.next]...)
}

// Subscribe registers a new subscriber. Call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

var _ io.Writer = (*Broadcaster)(nil)
