// Package devtools is a Host backed by a Chromium page reached over the
// DevTools protocol. Fetch interception raises request events, page
// lifecycle events raise navigation events, and injections are evaluated in
// an isolated world of the target frame.
package devtools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/errgroup"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/statistics"
)

// The attached page is the only tab.
const pageTabID = 0

const (
	// pausedTimeout bounds the handling of one intercepted request.
	pausedTimeout = 60 * time.Second
	maxInFlight   = 64
)

var ErrNotStarted = errors.New("devtools: not started")

type Options struct {
	// Target is the id of the page to attach to. Empty picks the first page.
	Target   string
	Recorder *statistics.Recorder
}

type Host struct {
	host.Listeners

	endpoint string
	target   string
	recorder *statistics.Recorder

	conn   *rpcc.Conn
	client *cdp.Client
	cancel context.CancelFunc
	loops  *errgroup.Group
	work   *errgroup.Group

	mu     sync.Mutex
	frames *frames
	paused map[string][]*host.BufferFilter
}

var _ host.Host = (*Host)(nil)

// New returns a host for the DevTools endpoint, either the browser's HTTP
// address or a page's WebSocket debugger URL.
func New(endpoint string, opts Options) *Host {
	return &Host{
		endpoint: endpoint,
		target:   opts.Target,
		recorder: opts.Recorder,
		frames:   newFrames(),
		paused:   make(map[string][]*host.BufferFilter),
	}
}

// Start attaches to the page and begins intercepting.
func (h *Host) Start(ctx context.Context) error {
	wsURL, err := h.resolve(ctx)
	if err != nil {
		return err
	}
	conn, err := rpcc.DialContext(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("devtools dial %s: %w", wsURL, err)
	}
	h.conn = conn
	h.client = cdp.NewClient(conn)

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if err := h.subscribe(runCtx, ctx); err != nil {
		cancel()
		_ = conn.Close()
		return err
	}
	slog.Info("DevTools host attached", slog.String("endpoint", wsURL))
	return nil
}

// resolve turns the endpoint into a page WebSocket URL.
func (h *Host) resolve(ctx context.Context) (string, error) {
	if strings.HasPrefix(h.endpoint, "ws://") || strings.HasPrefix(h.endpoint, "wss://") {
		return h.endpoint, nil
	}
	targets, err := devtool.New(h.endpoint).List(ctx)
	if err != nil {
		return "", fmt.Errorf("devtools list targets: %w", err)
	}
	for _, t := range targets {
		if h.target != "" && string(t.ID) != h.target {
			continue
		}
		if h.target == "" && string(t.Type) != "page" {
			continue
		}
		if t.WebSocketDebuggerURL == "" {
			return "", fmt.Errorf("devtools target %s is already attached", t.ID)
		}
		return t.WebSocketDebuggerURL, nil
	}
	if h.target != "" {
		return "", fmt.Errorf("devtools target %q not found", h.target)
	}
	return "", errors.New("devtools: no page target")
}

// subscribe opens the event streams before enabling the domains so no
// event is missed.
func (h *Host) subscribe(runCtx, ctx context.Context) error {
	paused, err := h.client.Fetch.RequestPaused(runCtx)
	if err != nil {
		return err
	}
	navigated, err := h.client.Page.FrameNavigated(runCtx)
	if err != nil {
		return err
	}
	detached, err := h.client.Page.FrameDetached(runCtx)
	if err != nil {
		return err
	}
	lifecycle, err := h.client.Page.LifecycleEvent(runCtx)
	if err != nil {
		return err
	}

	if err := h.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("devtools page enable: %w", err)
	}
	if err := h.client.Page.SetLifecycleEventsEnabled(ctx, page.NewSetLifecycleEventsEnabledArgs(true)); err != nil {
		return fmt.Errorf("devtools lifecycle enable: %w", err)
	}
	pattern := "*"
	err = h.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &pattern, RequestStage: fetch.RequestStageResponse},
	}})
	if err != nil {
		return fmt.Errorf("devtools fetch enable: %w", err)
	}

	h.work = &errgroup.Group{}
	h.work.SetLimit(maxInFlight)
	h.loops = &errgroup.Group{}
	h.loops.Go(func() error {
		defer paused.Close()
		for {
			ev, err := paused.Recv()
			if err != nil {
				return err
			}
			h.work.Go(func() error {
				h.handlePaused(runCtx, ev)
				return nil
			})
		}
	})
	h.loops.Go(func() error {
		defer navigated.Close()
		for {
			ev, err := navigated.Recv()
			if err != nil {
				return err
			}
			h.frameNavigated(runCtx, ev)
		}
	})
	h.loops.Go(func() error {
		defer detached.Close()
		for {
			ev, err := detached.Recv()
			if err != nil {
				return err
			}
			h.frames.detach(ev.FrameID)
		}
	})
	h.loops.Go(func() error {
		defer lifecycle.Close()
		for {
			ev, err := lifecycle.Recv()
			if err != nil {
				return err
			}
			h.lifecycleEvent(runCtx, ev)
		}
	})
	return nil
}

// Close detaches from the page. Paused requests still being handled are
// waited for.
func (h *Host) Close() error {
	if h.conn == nil {
		return nil
	}
	h.cancel()
	err := h.conn.Close()
	if h.loops != nil {
		_ = h.loops.Wait()
	}
	if h.work != nil {
		_ = h.work.Wait()
	}
	return err
}

// FilterResponseData attaches a filter to a request paused at the response
// stage. Several filters run in the order they were attached.
func (h *Host) FilterResponseData(requestID string) (host.StreamFilter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	filters, ok := h.paused[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s is not paused at the response stage", requestID)
	}
	f := host.NewBufferFilter()
	h.paused[requestID] = append(filters, f)
	return f, nil
}

func (h *Host) Tab(_ context.Context, tabID int) (*host.Tab, error) {
	if tabID != pageTabID {
		return nil, fmt.Errorf("%w: %d", host.ErrNoTab, tabID)
	}
	return &host.Tab{ID: pageTabID}, nil
}
