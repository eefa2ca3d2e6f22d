package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sunbk201/ruleproxy/internal/identity"
)

const DefaultTimeout = 5 * time.Second

// Executor runs a script body in isolation and returns its result.
type Executor interface {
	Run(ctx context.Context, msg Message) (any, error)
}

// Bridge is the client side of the sandbox RPC. Every call is correlated by
// a fresh identifier; responses for unknown identifiers are dropped.
type Bridge struct {
	ch      Channel
	codec   Codec
	ids     *identity.Generator
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
	done    chan struct{}
	err     error
}

type Option func(*Bridge)

func WithCodec(c Codec) Option {
	return func(b *Bridge) { b.codec = c }
}

// WithTimeout bounds every call. A zero or negative value keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithGenerator(g *identity.Generator) Option {
	return func(b *Bridge) { b.ids = g }
}

// NewBridge starts reading responses from ch.
func NewBridge(ch Channel, opts ...Option) *Bridge {
	b := &Bridge{
		ch:      ch,
		codec:   JSONCodec{},
		ids:     identity.Default,
		timeout: DefaultTimeout,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.readLoop()
	return b
}

// Run sends msg to the sandbox and waits for the correlated response.
func (b *Bridge) Run(ctx context.Context, msg Message) (any, error) {
	reply := make(chan Response, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.ids.NewString()
	b.pending[id] = reply
	b.mu.Unlock()
	defer b.forget(id)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	data, err := b.codec.Marshal(Request{ID: id, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := b.ch.Send(ctx, data); err != nil {
		return nil, b.ctxErr(ctx, fmt.Errorf("send request: %w", err))
	}

	select {
	case resp := <-reply:
		if !resp.Success {
			return nil, fmt.Errorf("%w: %v", ErrSandbox, resp.Response)
		}
		return resp.Response, nil
	case <-ctx.Done():
		return nil, b.ctxErr(ctx, ctx.Err())
	case <-b.done:
		return nil, ErrClosed
	}
}

func (b *Bridge) ctxErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, b.timeout)
	}
	return err
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Pending returns the number of calls waiting for a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) readLoop() {
	for {
		data, err := b.ch.Receive(context.Background())
		if err != nil {
			b.shutdown(err)
			return
		}
		var resp Response
		if err := b.codec.Unmarshal(data, &resp); err != nil {
			slog.Warn("Malformed sandbox response", slog.Any("error", err))
			continue
		}

		b.mu.Lock()
		reply, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()

		if !ok {
			slog.Debug("Dropped sandbox response", slog.String("id", resp.ID))
			continue
		}
		reply <- resp
	}
}

func (b *Bridge) shutdown(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	close(b.done)
	if err != nil && !errors.Is(err, ErrClosed) {
		slog.Error("Sandbox channel failed", slog.Any("error", err))
	}
}

// Err returns the error that stopped the bridge, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close fails every pending call with ErrClosed and closes the channel.
func (b *Bridge) Close() error {
	b.shutdown(nil)
	return b.ch.Close()
}
