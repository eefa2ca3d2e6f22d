package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

func TestDispatchRequestMerge(t *testing.T) {
	var l Listeners
	ctx := context.Background()

	l.SubscribeRequest(EventBeforeSendHeaders, func(_ context.Context, d *RequestDetails) *BlockingResponse {
		h := append(d.RequestHeaders.Clone(), Header{Name: "A", Value: "1"})
		return &BlockingResponse{RequestHeaders: h}
	}, ListenerOptions{})
	l.SubscribeRequest(EventBeforeSendHeaders, func(_ context.Context, d *RequestDetails) *BlockingResponse {
		// sees the header added by the first listener
		_, ok := d.RequestHeaders.Get("a")
		require.True(t, ok)
		return &BlockingResponse{RequestHeaders: append(d.RequestHeaders.Clone(), Header{Name: "B", Value: "2"})}
	}, ListenerOptions{})
	l.SubscribeRequest(EventBeforeSendHeaders, func(context.Context, *RequestDetails) *BlockingResponse {
		return nil
	}, ListenerOptions{})

	d := &RequestDetails{URL: "https://a.com", RequestHeaders: Headers{{Name: "X", Value: "0"}}}
	resp := l.DispatchRequest(ctx, EventBeforeSendHeaders, d)
	require.NotNil(t, resp)
	assert.Equal(t, Headers{{"X", "0"}, {"A", "1"}, {"B", "2"}}, resp.RequestHeaders)
}

func TestDispatchRequestCancelWins(t *testing.T) {
	var l Listeners
	l.SubscribeRequest(EventBeforeRequest, func(context.Context, *RequestDetails) *BlockingResponse {
		return &BlockingResponse{RedirectURL: "https://b.com"}
	}, ListenerOptions{})
	l.SubscribeRequest(EventBeforeRequest, func(context.Context, *RequestDetails) *BlockingResponse {
		return &BlockingResponse{Cancel: true}
	}, ListenerOptions{})

	resp := l.DispatchRequest(context.Background(), EventBeforeRequest, &RequestDetails{URL: "https://a.com"})
	require.NotNil(t, resp)
	assert.True(t, resp.Cancel)
	assert.Empty(t, resp.RedirectURL)
}

func TestDispatchRecoversPanics(t *testing.T) {
	var l Listeners
	l.SubscribeRequest(EventBeforeRequest, func(context.Context, *RequestDetails) *BlockingResponse {
		panic("boom")
	}, ListenerOptions{})
	l.SubscribeNavigation(EventNavigationCompleted, func(context.Context, *NavigationDetails) {
		panic("boom")
	}, urlfilter.Compile([]string{"a.com"}))

	ctx := context.Background()
	assert.NotPanics(t, func() {
		assert.Nil(t, l.DispatchRequest(ctx, EventBeforeRequest, &RequestDetails{URL: "https://a.com"}))
		l.DispatchNavigation(ctx, EventNavigationCompleted, &NavigationDetails{URL: "https://a.com"})
	})
}

func TestUnsubscribe(t *testing.T) {
	var l Listeners
	noop := func(context.Context, *RequestDetails) *BlockingResponse { return nil }

	a := l.SubscribeRequest(EventBeforeRequest, noop, ListenerOptions{})
	b := l.SubscribeRequest(EventBeforeRequest, noop, ListenerOptions{})
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, l.RequestListenerCount(EventBeforeRequest))

	l.UnsubscribeRequest(EventBeforeRequest, a)
	l.UnsubscribeRequest(EventBeforeRequest, a)
	assert.Equal(t, 1, l.RequestListenerCount(EventBeforeRequest))
	assert.True(t, l.HasRequestListeners())

	l.UnsubscribeRequest(EventBeforeRequest, b)
	assert.False(t, l.HasRequestListeners())
}

func TestDispatchNavigationFilter(t *testing.T) {
	var l Listeners
	var got []string
	l.SubscribeNavigation(EventNavigationCommitted, func(_ context.Context, d *NavigationDetails) {
		got = append(got, d.URL)
	}, urlfilter.Compile([]string{"example.com"}))

	ctx := context.Background()
	l.DispatchNavigation(ctx, EventNavigationCommitted, &NavigationDetails{URL: "https://example.com/page"})
	l.DispatchNavigation(ctx, EventNavigationCommitted, &NavigationDetails{URL: "https://other.com"})
	l.DispatchNavigation(ctx, EventNavigationCompleted, &NavigationDetails{URL: "https://example.com/page"})

	assert.Equal(t, []string{"https://example.com/page"}, got)
}

func TestHeadersGet(t *testing.T) {
	h := Headers{{Name: "Content-Type", Value: "text/html"}}
	v, ok := h.Get("content-type")
	assert.True(t, ok)
	assert.Equal(t, "text/html", v.Value)
	_, ok = h.Get("x")
	assert.False(t, ok)
}
