package rule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"github.com/sunbk201/ruleproxy/internal/host"
)

const (
	FieldTextHeaders = "textHeaders"
	FieldHeaderType  = "headerType"
)

type HeaderType string

const (
	RequestHeaders  HeaderType = "requestHeaders"
	ResponseHeaders HeaderType = "responseHeaders"
)

var (
	headerLineSep = regexp2.MustCompile(`\s*[\r\n]\s*`, regexp2.ECMAScript)
	headerLine    = regexp2.MustCompile(`(.+?)\s*:\s*(.*)`, regexp2.ECMAScript)
)

// header rewrites request or response headers.
type header struct {
	requestBase
	textHeaders string
	headerType  HeaderType
	// parsed caches the plaintext form of textHeaders.
	parsed host.Headers
}

func (h *header) Kind() Kind {
	return KindHeader
}

func (h *header) Fields() []string {
	return append(h.requestFields(), FieldTextHeaders, FieldHeaderType)
}

func (h *header) Defaults() map[string]any {
	d := h.requestDefaults()
	d[FieldTextHeaders] = ""
	d[FieldHeaderType] = string(RequestHeaders)
	return d
}

func (h *header) Set(field string, value any) (bool, error) {
	if ok, err := h.requestBase.set(field, value); ok {
		return false, err
	}
	s, err := cast.ToStringE(value)
	if err != nil {
		return false, err
	}
	switch field {
	case FieldTextHeaders:
		if s != h.textHeaders || h.parsed == nil {
			h.textHeaders = s
			h.parsed = parseHeaders(s)
		}
	case FieldHeaderType:
		if err := oneOf(field, s, string(RequestHeaders), string(ResponseHeaders)); err != nil {
			return false, err
		}
		changed := HeaderType(s) != h.headerType
		h.headerType = HeaderType(s)
		return changed, nil
	}
	return false, nil
}

func (h *header) Get(field string) (any, bool) {
	if v, ok := h.requestBase.get(field); ok {
		return v, true
	}
	switch field {
	case FieldTextHeaders:
		return h.textHeaders, true
	case FieldHeaderType:
		return string(h.headerType), true
	}
	return nil, false
}

// Register listens on the event matching the current header type.
func (h *header) Register(r *Rule) {
	if r.urlFilter.Empty() {
		return
	}
	event, extra := host.EventBeforeSendHeaders, host.ExtraRequestHeaders
	if h.headerType == ResponseHeaders {
		event, extra = host.EventHeadersReceived, host.ExtraResponseHeaders
	}
	h.subscribe(r, event, []host.ExtraInfo{host.ExtraBlocking, extra}, func() requestHandler {
		c := headerCall{
			rule:        r,
			name:        r.name,
			textType:    h.textType,
			textHeaders: h.textHeaders,
			headerType:  h.headerType,
			parsed:      h.parsed,
		}
		return c.handle
	})
}

func (h *header) Unregister(r *Rule) {
	h.unsubscribe(r)
}

type headerCall struct {
	rule        *Rule
	name        string
	textType    TextType
	textHeaders string
	headerType  HeaderType
	parsed      host.Headers
}

func (c headerCall) handle(ctx context.Context, details *host.RequestDetails) *host.BlockingResponse {
	if c.textHeaders == "" {
		return nil
	}
	current := details.RequestHeaders
	if c.headerType == ResponseHeaders {
		current = details.ResponseHeaders
	}

	var result host.Headers
	if c.textType == TextScript {
		var err error
		result, err = c.script(ctx, details)
		if err != nil {
			slog.Warn("Header script failed", slog.String("url", details.URL), slog.Any("error", err),
				ruleAttr(KindHeader, c.rule.id, c.name))
			return nil
		}
		if result == nil {
			return nil
		}
	} else {
		result = upsertHeaders(current.Clone(), c.parsed)
	}

	slog.Debug("Rewrite headers", slog.String("url", details.URL), slog.String("type", string(c.headerType)),
		ruleAttr(KindHeader, c.rule.id, c.name))
	c.rule.recordHit(c.name, details.URL, string(c.headerType))
	if c.headerType == ResponseHeaders {
		return &host.BlockingResponse{ResponseHeaders: result}
	}
	return &host.BlockingResponse{RequestHeaders: result}
}

// script runs the header script with the helper methods it references
// prepended and decodes the returned array.
func (c headerCall) script(ctx context.Context, details *host.RequestDetails) (host.Headers, error) {
	body := headerHelpers(string(c.headerType), c.textHeaders) + c.textHeaders
	result, err := executeScript(ctx, c.rule.env, details, nil, body)
	if err != nil || result == nil {
		return nil, err
	}
	var headers host.Headers
	if err := mapstructure.WeakDecode(result, &headers); err != nil {
		return nil, fmt.Errorf("decode script result: %w", err)
	}
	if headers == nil {
		headers = host.Headers{}
	}
	return headers, nil
}

// parseHeaders reads "Name: Value" lines. Lines without a colon are dropped.
func parseHeaders(text string) host.Headers {
	out := host.Headers{}
	text = strings.TrimSpace(text)
	if text == "" {
		return out
	}
	lines, err := headerLineSep.Replace(text, "\n", -1, -1)
	if err != nil {
		lines = text
	}
	for _, line := range strings.Split(lines, "\n") {
		m, err := headerLine.FindStringMatch(line)
		if err != nil || m == nil {
			continue
		}
		groups := m.Groups()
		out = append(out, host.Header{Name: groups[1].String(), Value: groups[2].String()})
	}
	return out
}

// upsertHeaders sets each header in changes on headers, matching names
// case-insensitively. A missing header is appended unless its value is
// empty; an empty value never removes an existing header.
func upsertHeaders(headers, changes host.Headers) host.Headers {
	if headers == nil {
		headers = host.Headers{}
	}
	for _, change := range changes {
		i := indexHeader(headers, change.Name)
		switch {
		case i >= 0 && change.Value != "":
			headers[i].Value = change.Value
		case i < 0 && change.Value != "":
			headers = append(headers, change)
		}
	}
	return headers
}

func indexHeader(headers host.Headers, name string) int {
	for i, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

type headerHelper struct {
	name string
	args string
	body string
}

// Helper methods attached to the header array of header scripts.
var headerHelperDefs = []headerHelper{
	{"modify", "pairs", "pairs.forEach(([name, value]) => this.set(name, value)); return this;"},
	{"set", "name, value", "const header = this.get(name); if (header) { header.value = value; } else if (value) { this.push({name, value}); } return this;"},
	{"get", "name", "return this.find(header => header.name.toLowerCase() === name.toLowerCase());"},
}

// headerHelpers returns the definitions of the helpers that script calls on
// headerType, directly or through another helper.
func headerHelpers(headerType, script string) string {
	used := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if used[name] {
			return
		}
		used[name] = true
		for _, h := range headerHelperDefs {
			if h.name == name {
				for _, dep := range headerHelperDefs {
					if strings.Contains(h.body, "this."+dep.name+"(") {
						visit(dep.name)
					}
				}
			}
		}
	}
	for _, h := range headerHelperDefs {
		if strings.Contains(script, headerType+"."+h.name) {
			visit(h.name)
		}
	}

	var b strings.Builder
	for _, h := range headerHelperDefs {
		if used[h.name] {
			fmt.Fprintf(&b, "%s.%s = (function(%s) { %s }).bind(%s);\n", headerType, h.name, h.args, h.body, headerType)
		}
	}
	return b.String()
}
