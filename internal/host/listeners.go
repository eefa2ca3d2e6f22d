package host

import (
	"context"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

type requestEntry struct {
	sub      Subscription
	listener RequestListener
	opts     ListenerOptions
}

type navigationEntry struct {
	sub      Subscription
	listener NavigationListener
	filter   *urlfilter.Filter
}

// Listeners is the listener bookkeeping shared by host implementations.
// Embedding it provides RequestEvents and NavigationEvents.
type Listeners struct {
	mu         sync.RWMutex
	next       Subscription
	request    map[RequestEvent][]requestEntry
	navigation map[NavigationEvent][]navigationEntry
}

func (l *Listeners) SubscribeRequest(event RequestEvent, listener RequestListener, opts ListenerOptions) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.request == nil {
		l.request = make(map[RequestEvent][]requestEntry)
	}
	l.next++
	l.request[event] = append(l.request[event], requestEntry{sub: l.next, listener: listener, opts: opts})
	return l.next
}

func (l *Listeners) UnsubscribeRequest(event RequestEvent, sub Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.request[event] = slices.DeleteFunc(l.request[event], func(e requestEntry) bool { return e.sub == sub })
}

func (l *Listeners) SubscribeNavigation(event NavigationEvent, listener NavigationListener, filter *urlfilter.Filter) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.navigation == nil {
		l.navigation = make(map[NavigationEvent][]navigationEntry)
	}
	l.next++
	l.navigation[event] = append(l.navigation[event], navigationEntry{sub: l.next, listener: listener, filter: filter})
	return l.next
}

func (l *Listeners) UnsubscribeNavigation(event NavigationEvent, sub Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.navigation[event] = slices.DeleteFunc(l.navigation[event], func(e navigationEntry) bool { return e.sub == sub })
}

// RequestListenerCount reports the listeners registered for event.
func (l *Listeners) RequestListenerCount(event RequestEvent) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.request[event])
}

func (l *Listeners) NavigationListenerCount(event NavigationEvent) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.navigation[event])
}

// HasRequestListeners reports whether any request listener is registered.
func (l *Listeners) HasRequestListeners() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entries := range l.request {
		if len(entries) > 0 {
			return true
		}
	}
	return false
}

// DispatchRequest delivers details to every listener of event and merges
// the verdicts. A cancel wins over everything; the first redirect wins over
// header changes; header changes chain, each listener seeing the headers
// produced by the previous one. It returns nil when nothing changed.
func (l *Listeners) DispatchRequest(ctx context.Context, event RequestEvent, details *RequestDetails) *BlockingResponse {
	l.mu.RLock()
	entries := slices.Clone(l.request[event])
	l.mu.RUnlock()

	var merged *BlockingResponse
	for _, e := range entries {
		d := *details
		d.RequestHeaders = details.RequestHeaders.Clone()
		d.ResponseHeaders = details.ResponseHeaders.Clone()

		resp := callRequest(ctx, e.listener, &d)
		if resp == nil {
			continue
		}
		if merged == nil {
			merged = &BlockingResponse{}
		}
		if resp.Cancel {
			return &BlockingResponse{Cancel: true}
		}
		if resp.RedirectURL != "" && merged.RedirectURL == "" {
			merged.RedirectURL = resp.RedirectURL
		}
		if resp.RequestHeaders != nil {
			merged.RequestHeaders = resp.RequestHeaders
			details.RequestHeaders = resp.RequestHeaders.Clone()
		}
		if resp.ResponseHeaders != nil {
			merged.ResponseHeaders = resp.ResponseHeaders
			details.ResponseHeaders = resp.ResponseHeaders.Clone()
		}
	}
	return merged
}

// DispatchNavigation delivers details to the listeners of event whose filter
// matches the navigation URL.
func (l *Listeners) DispatchNavigation(ctx context.Context, event NavigationEvent, details *NavigationDetails) {
	l.mu.RLock()
	entries := slices.Clone(l.navigation[event])
	l.mu.RUnlock()

	for _, e := range entries {
		if !e.filter.Match(details.URL, false) {
			continue
		}
		d := *details
		callNavigation(ctx, e.listener, &d)
	}
}

func callRequest(ctx context.Context, listener RequestListener, details *RequestDetails) (resp *BlockingResponse) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Request listener panicked", slog.Any("panic", r), slog.String("url", details.URL),
				slog.String("stack", string(debug.Stack())))
			resp = nil
		}
	}()
	return listener(ctx, details)
}

func callNavigation(ctx context.Context, listener NavigationListener, details *NavigationDetails) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Navigation listener panicked", slog.Any("panic", r), slog.String("url", details.URL),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	listener(ctx, details)
}
