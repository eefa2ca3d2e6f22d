package devtools

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

type call struct {
	method string
	params gjson.Result
}

// fakePage answers protocol commands and pushes events like a browser page.
type fakePage struct {
	t       *testing.T
	srv     *httptest.Server
	results map[string]string
	calls   chan call

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakePage(t *testing.T) *fakePage {
	t.Helper()
	f := &fakePage{
		t: t,
		results: map[string]string{
			"Fetch.getResponseBody":    `{"body":"aGVsbG8=","base64Encoded":true}`,
			"Page.createIsolatedWorld": `{"executionContextId":7}`,
			"Runtime.evaluate":         `{"result":{"type":"undefined"}}`,
		},
		calls: make(chan call, 100),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req := gjson.ParseBytes(msg)
			method := req.Get("method").String()
			f.calls <- call{method: method, params: req.Get("params")}
			result, ok := f.results[method]
			if !ok {
				result = "{}"
			}
			if err := f.write(fmt.Sprintf(`{"id":%d,"result":%s}`, req.Get("id").Int(), result)); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `[
			{"id":"sw","type":"service_worker","url":"https://a.com/sw.js","webSocketDebuggerUrl":"%[1]s/devtools/sw"},
			{"id":"1","type":"page","url":"about:blank","webSocketDebuggerUrl":"%[1]s/devtools/page/1"}
		]`, f.wsURL())
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePage) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakePage) write(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (f *fakePage) emit(method, params string) {
	require.NoError(f.t, f.write(fmt.Sprintf(`{"method":%q,"params":%s}`, method, params)))
}

// await skips calls until one with method arrives.
func (f *fakePage) await(method string) gjson.Result {
	f.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-f.calls:
			if c.method == method {
				return c.params
			}
		case <-timeout:
			f.t.Fatalf("no %s call", method)
			return gjson.Result{}
		}
	}
}

func startHost(t *testing.T) (*Host, *fakePage) {
	t.Helper()
	f := newFakePage(t)
	h := New(f.srv.URL, Options{})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	f.await("Page.enable")
	f.await("Page.setLifecycleEventsEnabled")
	enable := f.await("Fetch.enable")
	assert.Equal(t, "Request", enable.Get("patterns.0.requestStage").String())
	assert.Equal(t, "Response", enable.Get("patterns.1.requestStage").String())
	return h, f
}

const scriptRequest = `{"requestId":"%s","request":{"url":"%s","method":"GET","headers":{"Accept":"*/*","Referer":"https://a.com/"}},"frameId":"F1","resourceType":"Script"}`

func TestRequestStage(t *testing.T) {
	h, f := startHost(t)

	h.SubscribeRequest(host.EventBeforeRequest, func(_ context.Context, d *host.RequestDetails) *host.BlockingResponse {
		switch {
		case strings.Contains(d.URL, "ads"):
			return &host.BlockingResponse{Cancel: true}
		case strings.Contains(d.URL, "old"):
			return &host.BlockingResponse{RedirectURL: "https://a.com/new.js"}
		}
		return nil
	}, host.ListenerOptions{})
	var seen *host.RequestDetails
	var mu sync.Mutex
	h.SubscribeRequest(host.EventBeforeSendHeaders, func(_ context.Context, d *host.RequestDetails) *host.BlockingResponse {
		mu.Lock()
		seen = d
		mu.Unlock()
		return &host.BlockingResponse{RequestHeaders: append(d.RequestHeaders.Clone(), host.Header{Name: "X-Added", Value: "1"})}
	}, host.ListenerOptions{})

	f.emit("Fetch.requestPaused", fmt.Sprintf(scriptRequest, "r1", "https://ads.example/x.js"))
	failed := f.await("Fetch.failRequest")
	assert.Equal(t, "r1", failed.Get("requestId").String())
	assert.Equal(t, string(network.ErrorReasonBlockedByClient), failed.Get("errorReason").String())

	f.emit("Fetch.requestPaused", fmt.Sprintf(scriptRequest, "r2", "https://a.com/old.js"))
	fulfilled := f.await("Fetch.fulfillRequest")
	assert.Equal(t, "r2", fulfilled.Get("requestId").String())
	assert.Equal(t, int64(307), fulfilled.Get("responseCode").Int())
	assert.Equal(t, "https://a.com/new.js", fulfilled.Get(`responseHeaders.#(name=="Location").value`).String())

	f.emit("Fetch.requestPaused", fmt.Sprintf(scriptRequest, "r3", "https://a.com/app.js"))
	continued := f.await("Fetch.continueRequest")
	assert.Equal(t, "r3", continued.Get("requestId").String())
	assert.Equal(t, "1", continued.Get(`headers.#(name=="X-Added").value`).String())
	assert.Equal(t, "*/*", continued.Get(`headers.#(name=="Accept").value`).String())

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, "script", seen.Type)
	assert.Equal(t, "https://a.com/", seen.OriginURL)
	assert.Equal(t, http.MethodGet, seen.Method)
}

func TestResponseStage(t *testing.T) {
	h, f := startHost(t)

	h.SubscribeRequest(host.EventHeadersReceived, func(_ context.Context, d *host.RequestDetails) *host.BlockingResponse {
		if !strings.HasSuffix(d.URL, "/filtered") {
			return &host.BlockingResponse{ResponseHeaders: append(d.ResponseHeaders.Clone(), host.Header{Name: "X-Seen", Value: "1"})}
		}
		filter, err := h.FilterResponseData(d.RequestID)
		if !assert.NoError(t, err) {
			return nil
		}
		var body []byte
		filter.OnData(func(chunk []byte) { body = append(body, chunk...) })
		filter.OnStop(func() {
			_ = filter.Write([]byte(strings.ToUpper(string(body))))
			_ = filter.Close()
		})
		return nil
	}, host.ListenerOptions{})

	const response = `{"requestId":"%s","request":{"url":"%s","method":"GET","headers":{}},"frameId":"F1","resourceType":"Document","responseStatusCode":200,"responseHeaders":[{"name":"Content-Type","value":"text/html"},{"name":"Content-Encoding","value":"gzip"}]}`

	f.emit("Fetch.requestPaused", fmt.Sprintf(response, "r1", "https://a.com/filtered"))
	assert.Equal(t, "r1", f.await("Fetch.getResponseBody").Get("requestId").String())
	fulfilled := f.await("Fetch.fulfillRequest")
	assert.Equal(t, int64(200), fulfilled.Get("responseCode").Int())
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("HELLO")), fulfilled.Get("body").String())
	assert.False(t, fulfilled.Get(`responseHeaders.#(name=="Content-Encoding")`).Exists())
	assert.Equal(t, "text/html", fulfilled.Get(`responseHeaders.#(name=="Content-Type").value`).String())

	f.emit("Fetch.requestPaused", fmt.Sprintf(response, "r2", "https://a.com/plain"))
	continued := f.await("Fetch.continueResponse")
	assert.Equal(t, "r2", continued.Get("requestId").String())
	assert.Equal(t, int64(200), continued.Get("responseCode").Int())
	assert.Equal(t, "1", continued.Get(`responseHeaders.#(name=="X-Seen").value`).String())

	_, err := h.FilterResponseData("r1")
	assert.Error(t, err)
}

func TestNavigationInjects(t *testing.T) {
	h, f := startHost(t)

	var mu sync.Mutex
	var frames []int
	h.SubscribeNavigation(host.EventNavigationCommitted, func(ctx context.Context, d *host.NavigationDetails) {
		mu.Lock()
		frames = append(frames, d.FrameID)
		mu.Unlock()
		assert.NoError(t, h.ExecuteScript(ctx, d.TabID, host.InjectDetails{FrameID: d.FrameID, Code: "start()"}))
	}, urlfilter.Compile([]string{"a.com"}))
	h.SubscribeNavigation(host.EventNavigationCompleted, func(ctx context.Context, d *host.NavigationDetails) {
		assert.NoError(t, h.InsertCSS(ctx, d.TabID, host.InjectDetails{FrameID: d.FrameID, Code: `p { content: "</style>" }`}))
	}, urlfilter.Compile([]string{"a.com"}))

	f.emit("Page.frameNavigated", `{"frame":{"id":"F1","loaderId":"L1","url":"https://a.com/","securityOrigin":"https://a.com","mimeType":"text/html"}}`)
	assert.Equal(t, "F1", f.await("Page.createIsolatedWorld").Get("frameId").String())
	evaluate := f.await("Runtime.evaluate")
	assert.Equal(t, "start()", evaluate.Get("expression").String())
	assert.Equal(t, int64(7), evaluate.Get("contextId").Int())

	f.emit("Page.frameNavigated", `{"frame":{"id":"F2","parentId":"F1","loaderId":"L2","url":"https://b.com/","securityOrigin":"https://b.com","mimeType":"text/html"}}`)
	f.emit("Page.lifecycleEvent", `{"frameId":"F1","loaderId":"L1","name":"load","timestamp":1}`)
	evaluate = f.await("Runtime.evaluate")
	assert.Contains(t, evaluate.Get("expression").String(), `style.textContent = "p { content: \"\u003c/style\u003e\" }";`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, frames)
}

func TestInjectErrors(t *testing.T) {
	h := New("ws://127.0.0.1:1/", Options{})
	assert.ErrorIs(t, h.ExecuteScript(context.Background(), 0, host.InjectDetails{}), ErrNotStarted)

	h, _ = startHost(t)
	assert.ErrorIs(t, h.ExecuteScript(context.Background(), 2, host.InjectDetails{}), host.ErrNoTab)
	assert.Error(t, h.InsertCSS(context.Background(), 0, host.InjectDetails{FrameID: 9}))

	tab, err := h.Tab(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, tab.ID)
	_, err = h.Tab(context.Background(), 1)
	assert.ErrorIs(t, err, host.ErrNoTab)
}

func TestResolve(t *testing.T) {
	f := newFakePage(t)
	ctx := context.Background()

	url, err := New(f.srv.URL, Options{}).resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.wsURL()+"/devtools/page/1", url)

	url, err = New(f.srv.URL, Options{Target: "sw"}).resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.wsURL()+"/devtools/sw", url)

	_, err = New(f.srv.URL, Options{Target: "missing"}).resolve(ctx)
	assert.Error(t, err)

	url, err = New("ws://127.0.0.1:9222/devtools/page/X", Options{}).resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/page/X", url)
}

func TestResourceType(t *testing.T) {
	tests := []struct {
		in   network.ResourceType
		main bool
		want string
	}{
		{"Document", true, "main_frame"},
		{"Document", false, "sub_frame"},
		{"Stylesheet", false, "stylesheet"},
		{"XHR", false, "xmlhttprequest"},
		{"Fetch", false, "xmlhttprequest"},
		{"Manifest", false, "web_manifest"},
		{"SignedExchange", false, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resourceType(tt.in, tt.main), string(tt.in))
	}
}

func TestHeaders(t *testing.T) {
	headers := requestHeaders([]byte(`{"B":"2","A":"1","Set-Cookie":"x=1\ny=2"}`))
	assert.Equal(t, host.Headers{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}, {Name: "Set-Cookie", Value: "x=1"}, {Name: "Set-Cookie", Value: "y=2"}}, headers)
	assert.Empty(t, requestHeaders(nil))

	entries := toEntries(headers, "set-cookie")
	assert.Equal(t, []fetch.HeaderEntry{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}, entries)
	assert.Equal(t, host.Headers{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}, fromEntries(entries))
}

func TestFrames(t *testing.T) {
	f := newFrames()
	main := page.FrameID("M")
	assert.Equal(t, 0, f.navigated(main, nil, "https://a.com/"))
	child := main
	assert.Equal(t, 1, f.navigated("C", &child, "https://b.com/"))
	assert.Equal(t, 2, f.number("D"))
	assert.True(t, f.isMain(main))
	assert.False(t, f.isMain("C"))
	assert.Equal(t, "https://b.com/", f.url("C"))

	id, ok := f.lookup(1)
	require.True(t, ok)
	assert.Equal(t, page.FrameID("C"), id)
	assert.Len(t, f.all(), 3)
	assert.Equal(t, main, f.all()[0])

	f.detach("C")
	_, ok = f.lookup(1)
	assert.False(t, ok)
	assert.Empty(t, f.url("C"))

	// a new top-level frame takes number 0
	assert.Equal(t, 0, f.navigated("M2", nil, "https://c.com/"))
	id, _ = f.lookup(0)
	assert.Equal(t, page.FrameID("M2"), id)
}
