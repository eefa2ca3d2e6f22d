package rule

import (
	"context"
	"log/slog"

	"github.com/spf13/cast"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

const (
	FieldRedirectURL     = "redirectUrl"
	FieldTextRedirectURL = "textRedirectUrl"
)

// blocking cancels or redirects requests before they are sent.
type blocking struct {
	requestBase
	redirectURL     string
	textRedirectURL string
}

func (b *blocking) Kind() Kind {
	return KindBlocking
}

func (b *blocking) Fields() []string {
	return append(b.requestFields(), FieldRedirectURL, FieldTextRedirectURL)
}

func (b *blocking) Defaults() map[string]any {
	d := b.requestDefaults()
	d[FieldRedirectURL] = ""
	d[FieldTextRedirectURL] = ""
	return d
}

func (b *blocking) Set(field string, value any) (bool, error) {
	if ok, err := b.requestBase.set(field, value); ok {
		return false, err
	}
	s, err := cast.ToStringE(value)
	if err != nil {
		return false, err
	}
	switch field {
	case FieldRedirectURL:
		b.redirectURL = s
	case FieldTextRedirectURL:
		b.textRedirectURL = s
	}
	return false, nil
}

func (b *blocking) Get(field string) (any, bool) {
	if v, ok := b.requestBase.get(field); ok {
		return v, true
	}
	switch field {
	case FieldRedirectURL:
		return b.redirectURL, true
	case FieldTextRedirectURL:
		return b.textRedirectURL, true
	}
	return nil, false
}

func (b *blocking) Register(r *Rule) {
	if r.urlFilter.Empty() {
		return
	}
	b.subscribe(r, host.EventBeforeRequest, []host.ExtraInfo{host.ExtraBlocking}, func() requestHandler {
		c := blockingCall{
			rule:            r,
			name:            r.name,
			urlFilter:       r.urlFilter,
			textType:        b.textType,
			redirectURL:     b.redirectURL,
			textRedirectURL: b.textRedirectURL,
		}
		return c.handle
	})
}

func (b *blocking) Unregister(r *Rule) {
	b.unsubscribe(r)
}

// blockingCall is the state of a blocking rule captured for one request.
type blockingCall struct {
	rule            *Rule
	name            string
	urlFilter       *urlfilter.Filter
	textType        TextType
	redirectURL     string
	textRedirectURL string
}

// handle allows the request unchanged when the computed redirect equals the
// request URL, redirects on any other non-empty value and cancels otherwise.
// A failing script leaves the request alone.
func (c blockingCall) handle(ctx context.Context, details *host.RequestDetails) *host.BlockingResponse {
	redirect, ok := c.redirect(ctx, details)
	if !ok {
		return nil
	}

	switch {
	case redirect == details.URL:
		c.rule.recordHit(c.name, details.URL, "allow")
		return &host.BlockingResponse{}
	case redirect != "":
		slog.Info("Redirect request", slog.String("url", details.URL), slog.String("to", redirect),
			ruleAttr(KindBlocking, c.rule.id, c.name))
		c.rule.recordHit(c.name, details.URL, "redirect")
		return &host.BlockingResponse{RedirectURL: redirect}
	default:
		slog.Info("Cancel request", slog.String("url", details.URL), ruleAttr(KindBlocking, c.rule.id, c.name))
		c.rule.recordHit(c.name, details.URL, "cancel")
		return &host.BlockingResponse{Cancel: true}
	}
}

func (c blockingCall) redirect(ctx context.Context, details *host.RequestDetails) (string, bool) {
	target := c.redirectURL
	if c.textRedirectURL != "" && c.textType != TextScript {
		target = c.textRedirectURL
	}
	if c.textRedirectURL != "" && c.textType == TextScript {
		result, err := executeScript(ctx, c.rule.env, details, nil, c.textRedirectURL)
		if err != nil {
			slog.Warn("Redirect script failed", slog.String("url", details.URL), slog.Any("error", err),
				ruleAttr(KindBlocking, c.rule.id, c.name))
			return "", false
		}
		if result == nil {
			return "", true
		}
		redirect, err := cast.ToStringE(result)
		if err != nil {
			slog.Warn("Redirect script returned a non-string", slog.Any("result", result),
				ruleAttr(KindBlocking, c.rule.id, c.name))
			return "", false
		}
		return redirect, true
	}

	if target == "" {
		return "", true
	}
	return c.substitute(target, details.URL), true
}

// substitute fills $n in target from the groups of the first include regex
// matching url.
func (c blockingCall) substitute(target, url string) string {
	return urlfilter.Substitute(target, c.urlFilter.Submatch(url))
}
