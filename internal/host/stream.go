package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	chunkSize = 32 << 10
	// filterTimeout bounds how long a response waits for its filters.
	filterTimeout = 30 * time.Second
)

var errStreamClosed = errors.New("stream filter closed")

// BufferFilter is a StreamFilter over a fully buffered response. The host
// feeds it the decoded body and collects what the listener writes back.
type BufferFilter struct {
	mu     sync.Mutex
	onData func([]byte)
	onStop func()
	out    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

var _ StreamFilter = (*BufferFilter)(nil)

func NewBufferFilter() *BufferFilter {
	return &BufferFilter{closed: make(chan struct{})}
}

func (s *BufferFilter) OnData(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

func (s *BufferFilter) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = fn
}

func (s *BufferFilter) Write(data []byte) error {
	select {
	case <-s.closed:
		return errStreamClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	return nil
}

func (s *BufferFilter) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Run pushes body through the filter and returns its output. A filter that
// never closes leaves the body unchanged.
func (s *BufferFilter) Run(ctx context.Context, body []byte) ([]byte, error) {
	s.mu.Lock()
	onData, onStop := s.onData, s.onStop
	s.mu.Unlock()

	if onData != nil {
		for rest := body; len(rest) > 0; {
			n := min(len(rest), chunkSize)
			onData(rest[:n])
			rest = rest[n:]
		}
	}
	if onStop == nil {
		_ = s.Close()
	} else {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Stream filter panicked", slog.Any("panic", r))
					_ = s.Close()
				}
			}()
			onStop()
		}()
	}

	timer := time.NewTimer(filterTimeout)
	defer timer.Stop()
	select {
	case <-s.closed:
	case <-timer.C:
		return body, fmt.Errorf("stream filter did not close within %s", filterTimeout)
	case <-ctx.Done():
		return body, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.out.Bytes()), nil
}
