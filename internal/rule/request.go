package rule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cast"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/interpreter"
	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

const (
	FieldMethod   = "method"
	FieldTextType = "textType"
)

var methods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH"}

// requestBase is embedded by the behaviors that listen to request events.
// It owns the method guard, the text type and the host subscription.
type requestBase struct {
	method   string
	textType TextType

	event      host.RequestEvent
	sub        host.Subscription
	subscribed bool
}

func (b *requestBase) requestFields() []string {
	return []string{FieldMethod, FieldTextType}
}

func (b *requestBase) requestDefaults() map[string]any {
	return map[string]any{
		FieldMethod:   "GET",
		FieldTextType: string(TextPlain),
	}
}

// set handles the fields common to request rules. ok is false for any other
// field.
func (b *requestBase) set(field string, value any) (ok bool, err error) {
	switch field {
	case FieldMethod:
		method, err := cast.ToStringE(value)
		if err != nil {
			return true, err
		}
		method = strings.ToUpper(strings.TrimSpace(method))
		if method != "" {
			if err := oneOf(field, method, methods...); err != nil {
				return true, err
			}
		}
		b.method = method
		return true, nil
	case FieldTextType:
		t, err := parseTextType(value)
		if err != nil {
			return true, err
		}
		b.textType = t
		return true, nil
	}
	return false, nil
}

func (b *requestBase) get(field string) (any, bool) {
	switch field {
	case FieldMethod:
		return b.method, true
	case FieldTextType:
		return string(b.textType), true
	}
	return nil, false
}

func parseTextType(value any) (TextType, error) {
	s, err := cast.ToStringE(value)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(s) {
	case "", "plaintext", "text":
		return TextPlain, nil
	case "script", "javascript":
		return TextScript, nil
	}
	return "", fmt.Errorf("invalid textType %q: must be one of plaintext, script", s)
}

// requestHandler handles a request that passed the dispatch guard.
type requestHandler func(ctx context.Context, details *host.RequestDetails) *host.BlockingResponse

// subscribe registers a listener for event. prepare runs under the rule's
// read lock on every delivery and captures the state the handler needs, so
// an in-flight handler never observes a concurrent update.
func (b *requestBase) subscribe(r *Rule, event host.RequestEvent, extra []host.ExtraInfo, prepare func() requestHandler) {
	listener := func(ctx context.Context, details *host.RequestDetails) *host.BlockingResponse {
		r.mu.RLock()
		if !r.active {
			r.mu.RUnlock()
			return nil
		}
		urlFilter, originFilter, method := r.urlFilter, r.originURLFilter, b.method
		handle := prepare()
		r.mu.RUnlock()

		if !accepts(urlFilter, originFilter, method, details) {
			return nil
		}
		return handle(ctx, details)
	}
	b.event = event
	b.sub = r.env.Host.SubscribeRequest(event, listener, host.ListenerOptions{
		URLs:      []string{host.AllURLs},
		ExtraInfo: extra,
	})
	b.subscribed = true
}

func (b *requestBase) unsubscribe(r *Rule) {
	if !b.subscribed {
		return
	}
	r.env.Host.UnsubscribeRequest(b.event, b.sub)
	b.subscribed = false
}

// accepts is the dispatch guard of request rules. An empty method accepts
// every method, and a request without an origin is checked against its own
// URL.
func accepts(urlFilter, originFilter *urlfilter.Filter, method string, details *host.RequestDetails) bool {
	if !urlFilter.Match(details.URL, false) {
		return false
	}
	if method != "" && !strings.EqualFold(method, details.Method) {
		return false
	}
	origin := details.OriginURL
	if origin == "" {
		origin = details.URL
	}
	return originFilter.Match(origin, true)
}

var (
	requestScriptFields = []string{
		"requestHeaders", "responseHeaders", "responseBody",
		"url", "originUrl", "documentUrl", "method",
		"type", "requestType", "timeStamp", "timestamp",
	}
	tabScriptFields = []string{"incognito", "pinned"}
)

// executeScript runs body in the interpreter with only the request and tab
// fields whose names occur in the body. The tab is looked up only when a
// tab field is referenced. responseBody may be nil.
func executeScript(ctx context.Context, env *Env, details *host.RequestDetails, responseBody *string, body string) (any, error) {
	if env.Executor == nil {
		return nil, fmt.Errorf("no script executor configured")
	}

	args := make(map[string]any)
	for _, name := range requestScriptFields {
		if strings.Contains(body, name) {
			args[name] = requestField(details, responseBody, name)
		}
	}

	if referencesAny(body, tabScriptFields) {
		tab, err := env.Host.Tab(ctx, details.TabID)
		if err != nil {
			slog.Warn("Tab lookup failed", slog.Int("tab", details.TabID), slog.Any("error", err))
		} else {
			for _, name := range tabScriptFields {
				if !strings.Contains(body, name) {
					continue
				}
				switch name {
				case "incognito":
					args[name] = tab.Incognito
				case "pinned":
					args[name] = tab.Pinned
				}
			}
		}
	}

	return env.Executor.Run(ctx, interpreter.Message{FunctionBody: body, Args: args})
}

func requestField(details *host.RequestDetails, responseBody *string, name string) any {
	switch name {
	case "requestHeaders":
		return nonNilHeaders(details.RequestHeaders)
	case "responseHeaders":
		return nonNilHeaders(details.ResponseHeaders)
	case "responseBody":
		if responseBody == nil {
			return nil
		}
		return *responseBody
	case "url":
		return details.URL
	case "originUrl":
		return details.OriginURL
	case "documentUrl":
		return details.DocumentURL
	case "method":
		return details.Method
	case "type", "requestType":
		return details.Type
	case "timeStamp", "timestamp":
		return details.TimeStamp
	}
	return nil
}

func referencesAny(body string, names []string) bool {
	for _, name := range names {
		if strings.Contains(body, name) {
			return true
		}
	}
	return false
}

func nonNilHeaders(h host.Headers) host.Headers {
	if h == nil {
		return host.Headers{}
	}
	return h
}
