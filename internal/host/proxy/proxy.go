// Package proxy is a Host backed by a forward HTTP proxy. Requests passing
// through it raise request events, HTML documents raise navigation events,
// and content script injections are spliced into the returned markup.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/mitm"
	"github.com/sunbk201/ruleproxy/internal/statistics"
)

// Proxy tabs are the proxy itself; every request belongs to tab 0.
const proxyTabID = 0

type Options struct {
	// MiddleMan terminates TLS for CONNECT tunnels. Nil tunnels everything.
	MiddleMan *mitm.MiddleMan
	Recorder  *statistics.Recorder
	// Transport sends requests upstream. Nil builds one from MiddleMan.
	Transport http.RoundTripper
	// SOCKSAddr, when set, also accepts SOCKS5 CONNECT clients.
	SOCKSAddr string
}

type Proxy struct {
	host.Listeners

	addr      string
	socksAddr string
	mitm      *mitm.MiddleMan
	recorder  *statistics.Recorder
	transport http.RoundTripper

	seq      atomic.Uint64
	mu       sync.Mutex
	inflight map[string]*exchange

	server *http.Server
	socks  net.Listener
}

var _ host.Host = (*Proxy)(nil)

func New(addr string, opts Options) *Proxy {
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 nil,
			TLSClientConfig:       opts.MiddleMan.UpstreamTLSConfig(),
			ForceAttemptHTTP2:     true,
			DisableCompression:    true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return &Proxy{
		addr:      addr,
		socksAddr: opts.SOCKSAddr,
		mitm:      opts.MiddleMan,
		recorder:  opts.Recorder,
		transport: transport,
		inflight:  make(map[string]*exchange),
	}
}

func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("proxy listen failed: %w", err)
	}
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	slog.Info("Proxy started", slog.String("addr", ln.Addr().String()), slog.Bool("mitm", p.mitm != nil))
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Proxy error", slog.Any("error", err))
		}
	}()

	if p.socksAddr == "" {
		return nil
	}
	if p.socks, err = net.Listen("tcp", p.socksAddr); err != nil {
		_ = p.server.Close()
		return fmt.Errorf("socks5 listen failed: %w", err)
	}
	slog.Info("SOCKS5 started", slog.String("addr", p.socks.Addr().String()))
	go p.serveSOCKS(p.socks)
	return nil
}

func (p *Proxy) Close() error {
	var errs []error
	if p.socks != nil {
		errs = append(errs, p.socks.Close())
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, p.server.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		p.handleTunneling(w, req)
		return
	}
	if !req.URL.IsAbs() {
		http.Error(w, "ruleproxy is a forward proxy", http.StatusBadRequest)
		return
	}
	p.handleHTTP(w, req, req.URL.Scheme, req.URL.Host)
}

func (p *Proxy) nextRequestID() string {
	return strconv.FormatUint(p.seq.Add(1), 10)
}

func (p *Proxy) track(x *exchange) func() {
	p.mu.Lock()
	p.inflight[x.id] = x
	p.mu.Unlock()
	if p.recorder != nil {
		p.recorder.Flows.Open(&statistics.FlowRecord{ID: x.id, SrcAddr: x.src, URL: x.details.URL, StartTime: time.Now()})
	}
	return func() {
		p.mu.Lock()
		delete(p.inflight, x.id)
		p.mu.Unlock()
		if p.recorder != nil {
			p.recorder.Flows.Done(x.id)
		}
	}
}

// FilterResponseData attaches a filter to an in-flight request. Several
// filters on one response run in the order they were attached.
func (p *Proxy) FilterResponseData(requestID string) (host.StreamFilter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	x, ok := p.inflight[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s is not in flight", requestID)
	}
	s := host.NewBufferFilter()
	x.streams = append(x.streams, s)
	return s, nil
}

func (p *Proxy) Tab(_ context.Context, tabID int) (*host.Tab, error) {
	if tabID != proxyTabID {
		return nil, fmt.Errorf("%w: %d", host.ErrNoTab, tabID)
	}
	return &host.Tab{ID: tabID}, nil
}

func (p *Proxy) ExecuteScript(ctx context.Context, tabID int, details host.InjectDetails) error {
	doc, err := documentFrom(ctx, tabID, details)
	if err != nil {
		return err
	}
	doc.addScript(details)
	return nil
}

func (p *Proxy) InsertCSS(ctx context.Context, tabID int, details host.InjectDetails) error {
	doc, err := documentFrom(ctx, tabID, details)
	if err != nil {
		return err
	}
	doc.addStyle(details)
	return nil
}
