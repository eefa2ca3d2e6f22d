package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/log"
)

const copyBufferSize = 32 << 10

// hopHeaders are connection-specific and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// exchange is one request and its response.
type exchange struct {
	id      string
	src     string
	details *host.RequestDetails
	streams []*host.BufferFilter
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, req *http.Request, scheme, hostport string) {
	ctx := req.Context()

	u := *req.URL
	u.Scheme = scheme
	u.Host = hostport
	typ := resourceType(req)
	x := &exchange{
		id:  p.nextRequestID(),
		src: req.RemoteAddr,
		details: &host.RequestDetails{
			URL:       u.String(),
			Method:    req.Method,
			TabID:     proxyTabID,
			Type:      typ,
			TimeStamp: float64(time.Now().UnixMilli()),
		},
	}
	d := x.details
	d.RequestID = x.id
	if typ == "sub_frame" {
		d.FrameID, _ = strconv.Atoi(x.id)
	}
	if origin := originURL(req); origin != "" {
		d.OriginURL = origin
		if typ != "main_frame" {
			d.DocumentURL = origin
		}
	}
	defer p.track(x)()

	// before-request: cancel or redirect
	if resp := p.DispatchRequest(ctx, host.EventBeforeRequest, d); resp != nil && p.verdict(w, req, d, resp) {
		return
	}

	// before-send-headers: the headers that go upstream
	removeHopHeaders(req.Header)
	if ae := restrictAcceptEncoding(req.Header.Get("Accept-Encoding")); ae != "" {
		req.Header.Set("Accept-Encoding", ae)
	} else {
		req.Header.Del("Accept-Encoding")
	}
	d.RequestHeaders = toHeaders(req.Header, req.Host)
	outHeader, outHost := req.Header, req.Host
	if resp := p.DispatchRequest(ctx, host.EventBeforeSendHeaders, d); resp != nil {
		if p.verdict(w, req, d, resp) {
			return
		}
		if resp.RequestHeaders != nil {
			outHeader, outHost = fromHeaders(resp.RequestHeaders, req.Host)
		}
	}

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = &u
	out.Host = outHost
	out.Header = outHeader
	if req.ContentLength == 0 {
		out.Body = nil
	}

	upstream, err := p.transport.RoundTrip(out)
	if err != nil {
		log.WithAddr(x.src, d.URL).Warn("Upstream request failed", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer upstream.Body.Close()
	removeHopHeaders(upstream.Header)

	// headers-received: response headers and body filters
	d.StatusCode = upstream.StatusCode
	d.ResponseHeaders = toHeaders(upstream.Header, "")
	if resp := p.DispatchRequest(ctx, host.EventHeadersReceived, d); resp != nil {
		if p.verdict(w, req, d, resp) {
			return
		}
		if resp.ResponseHeaders != nil {
			upstream.Header, _ = fromHeaders(resp.ResponseHeaders, "")
		}
	}

	p.mu.Lock()
	streams := slices.Clone(x.streams)
	p.mu.Unlock()

	var doc *document
	if isFrame(typ) && upstream.StatusCode < 300 && isHTML(upstream.Header) {
		doc = p.navigate(ctx, d)
	}

	if len(streams) == 0 && (doc == nil || doc.empty()) {
		copyResponse(w, upstream)
		return
	}

	body, err := decodeBody(upstream.Body, upstream.Header.Get("Content-Encoding"))
	if err != nil {
		// the filters cannot see this body, so pass it through untouched
		log.WithAddr(x.src, d.URL).Warn("Response body left unfiltered", slog.Any("error", err))
		copyResponse(w, upstream)
		return
	}
	for _, s := range streams {
		if body, err = s.Run(ctx, body); err != nil {
			slog.Warn("Response filter failed", slog.String("url", d.URL), slog.Any("error", err))
		}
	}
	if doc != nil {
		head, tail := doc.fragments()
		body = splice(body, head, tail)
	}

	upstream.Header.Del("Content-Encoding")
	upstream.Header.Set("Content-Length", strconv.Itoa(len(body)))
	copyHeader(w.Header(), upstream.Header)
	w.WriteHeader(upstream.StatusCode)
	_, _ = w.Write(body)
}

// verdict answers the client when a listener cancelled or redirected the
// request. It reports whether the exchange is over.
func (p *Proxy) verdict(w http.ResponseWriter, req *http.Request, d *host.RequestDetails, resp *host.BlockingResponse) bool {
	switch {
	case resp.Cancel:
		log.WithAddr(req.RemoteAddr, d.URL).Info("Request cancelled")
		http.Error(w, "blocked by ruleproxy", http.StatusForbidden)
		return true
	case resp.RedirectURL != "" && resp.RedirectURL != d.URL:
		log.WithAddr(req.RemoteAddr, d.URL).Info("Request redirected", slog.String("location", resp.RedirectURL))
		w.Header().Set("Location", resp.RedirectURL)
		w.WriteHeader(http.StatusTemporaryRedirect)
		return true
	}
	return false
}

// navigate fires the navigation events of a document and collects the
// injections content scripts make.
func (p *Proxy) navigate(ctx context.Context, d *host.RequestDetails) *document {
	doc := &document{tabID: d.TabID, frameID: d.FrameID}
	nav := &host.NavigationDetails{
		TabID:     d.TabID,
		FrameID:   d.FrameID,
		URL:       d.URL,
		TimeStamp: float64(time.Now().UnixMilli()),
	}
	ctx = withDocument(ctx, doc)
	for _, event := range []host.NavigationEvent{
		host.EventNavigationCommitted,
		host.EventDOMContentLoaded,
		host.EventNavigationCompleted,
	} {
		p.DispatchNavigation(ctx, event, nav)
	}
	return doc
}

// toHeaders flattens h in a stable order. A non-empty hostname is reported
// as the Host header.
func toHeaders(h http.Header, hostname string) host.Headers {
	out := make(host.Headers, 0, len(h)+1)
	if hostname != "" {
		out = append(out, host.Header{Name: "Host", Value: hostname})
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, host.Header{Name: name, Value: v})
		}
	}
	return out
}

// fromHeaders is the inverse of toHeaders. The Host header, if any,
// replaces hostname.
func fromHeaders(headers host.Headers, hostname string) (http.Header, string) {
	h := make(http.Header, len(headers))
	for _, header := range headers {
		if strings.EqualFold(header.Name, "Host") {
			if header.Value != "" {
				hostname = header.Value
			}
			continue
		}
		h.Add(header.Name, header.Value)
	}
	removeHopHeaders(h)
	return h, hostname
}

func removeHopHeaders(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("Response copy ended", slog.Any("error", err))
			}
			return
		}
	}
}
