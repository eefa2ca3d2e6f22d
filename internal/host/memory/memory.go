// Package memory is an in-process Host. It records subscriptions and
// injections and lets callers drive request, response and navigation
// events directly.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sunbk201/ruleproxy/internal/host"
)

type InjectionKind string

const (
	InjectScript InjectionKind = "script"
	InjectCSS    InjectionKind = "css"
)

type Injection struct {
	TabID   int
	Kind    InjectionKind
	Details host.InjectDetails
}

type Host struct {
	host.Listeners

	mu         sync.Mutex
	tabs       map[int]host.Tab
	streams    map[string]*Stream
	injections []Injection
	injectErr  error
}

var _ host.Host = (*Host)(nil)

func New() *Host {
	return &Host{
		tabs:    make(map[int]host.Tab),
		streams: make(map[string]*Stream),
	}
}

func (h *Host) SetTab(tab host.Tab) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tabs[tab.ID] = tab
}

func (h *Host) Tab(_ context.Context, tabID int) (*host.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tab, ok := h.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", host.ErrNoTab, tabID)
	}
	return &tab, nil
}

// FailInjections makes every following injection return err.
func (h *Host) FailInjections(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.injectErr = err
}

func (h *Host) ExecuteScript(_ context.Context, tabID int, details host.InjectDetails) error {
	return h.inject(tabID, InjectScript, details)
}

func (h *Host) InsertCSS(_ context.Context, tabID int, details host.InjectDetails) error {
	return h.inject(tabID, InjectCSS, details)
}

func (h *Host) inject(tabID int, kind InjectionKind, details host.InjectDetails) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.injectErr != nil {
		return h.injectErr
	}
	h.injections = append(h.injections, Injection{TabID: tabID, Kind: kind, Details: details})
	return nil
}

func (h *Host) Injections() []Injection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Injection, len(h.injections))
	copy(out, h.injections)
	return out
}

func (h *Host) FilterResponseData(requestID string) (host.StreamFilter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[requestID]; ok {
		return nil, fmt.Errorf("response of request %s is already filtered", requestID)
	}
	s := newStream()
	h.streams[requestID] = s
	return s, nil
}

// Stream returns the filter attached to requestID, or nil.
func (h *Host) Stream(requestID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[requestID]
}

// Respond delivers a headers-received event for details, then streams body
// through any filter a listener attached and waits for it to close. It
// returns the body the page would see.
func (h *Host) Respond(ctx context.Context, details *host.RequestDetails, chunks ...[]byte) (*host.BlockingResponse, []byte, error) {
	resp := h.DispatchRequest(ctx, host.EventHeadersReceived, details)

	s := h.Stream(details.RequestID)
	if s == nil {
		return resp, bytes.Join(chunks, nil), nil
	}
	for _, c := range chunks {
		s.Feed(c)
	}
	s.Stop()
	select {
	case <-s.Closed():
		return resp, s.Output(), nil
	case <-ctx.Done():
		return resp, nil, ctx.Err()
	}
}

// Navigate fires the three navigation events in order.
func (h *Host) Navigate(ctx context.Context, details *host.NavigationDetails) {
	if details.TimeStamp == 0 {
		details.TimeStamp = float64(time.Now().UnixMilli())
	}
	for _, event := range []host.NavigationEvent{
		host.EventNavigationCommitted,
		host.EventDOMContentLoaded,
		host.EventNavigationCompleted,
	} {
		h.DispatchNavigation(ctx, event, details)
	}
}

// Stream is a controllable host.StreamFilter.
type Stream struct {
	mu     sync.Mutex
	onData func([]byte)
	onStop func()
	out    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newStream() *Stream {
	return &Stream{closed: make(chan struct{})}
}

func (s *Stream) OnData(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

func (s *Stream) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = fn
}

func (s *Stream) Write(data []byte) error {
	select {
	case <-s.closed:
		return fmt.Errorf("stream closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	return nil
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Feed delivers one chunk of the original body.
func (s *Stream) Feed(chunk []byte) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

// Stop signals the end of the original body. The stop handler runs on its
// own goroutine, as a real host would.
func (s *Stream) Stop() {
	s.mu.Lock()
	fn := s.onStop
	s.mu.Unlock()
	if fn == nil {
		_ = s.Close()
		return
	}
	go fn()
}

func (s *Stream) Closed() <-chan struct{} {
	return s.closed
}

func (s *Stream) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.out.Bytes())
}
