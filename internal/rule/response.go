package rule

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/sunbk201/ruleproxy/internal/host"
)

const FieldTextResponse = "textResponse"

const defaultEncoding = "utf-8"

// Charsets a response may declare and still be rewritten.
var encodings = []string{
	"utf-8", "ascii",
	"iso-8859-1", "iso-8859-2", "iso-8859-3", "iso-8859-4", "iso-8859-5", "iso-8859-6",
	"iso-8859-7", "iso-8859-8", "iso-8859-9", "iso-8859-10", "iso-8859-11", "iso-8859-13",
	"iso-8859-14", "iso-8859-15", "iso-8859-16",
	"windows-1250", "windows-1251", "windows-1252", "windows-1253", "windows-1254",
	"windows-1255", "windows-1256", "windows-1257", "windows-1258",
	"macintosh", "koi8-r", "koi8-u",
	"shift_jis", "euc-jp", "iso-2022-jp",
	"gb_2312-80", "gbk", "gb18030", "big5", "euc-kr",
}

// MIME type fragments that mark a textual body.
var textMIMETypes = []string{"text", "html", "javascript", "css", "json", "typescript", "xml", "rtf"}

// Resource types that are text even without a declared content type.
var textResources = []string{"main_frame", "sub_frame", "web_manifest", "script", "stylesheet"}

// response replaces response bodies.
type response struct {
	requestBase
	textResponse string
}

func (p *response) Kind() Kind {
	return KindResponse
}

func (p *response) Fields() []string {
	return append(p.requestFields(), FieldTextResponse)
}

func (p *response) Defaults() map[string]any {
	d := p.requestDefaults()
	d[FieldTextResponse] = ""
	return d
}

func (p *response) Set(field string, value any) (bool, error) {
	if ok, err := p.requestBase.set(field, value); ok {
		return false, err
	}
	if field == FieldTextResponse {
		s, err := cast.ToStringE(value)
		if err != nil {
			return false, err
		}
		p.textResponse = s
	}
	return false, nil
}

func (p *response) Get(field string) (any, bool) {
	if v, ok := p.requestBase.get(field); ok {
		return v, true
	}
	if field == FieldTextResponse {
		return p.textResponse, true
	}
	return nil, false
}

func (p *response) Register(r *Rule) {
	if r.urlFilter.Empty() {
		return
	}
	p.subscribe(r, host.EventHeadersReceived, []host.ExtraInfo{host.ExtraBlocking, host.ExtraResponseHeaders}, func() requestHandler {
		c := responseCall{
			rule:         r,
			name:         r.name,
			textType:     p.textType,
			textResponse: p.textResponse,
		}
		return c.handle
	})
}

func (p *response) Unregister(r *Rule) {
	p.unsubscribe(r)
}

type responseCall struct {
	rule         *Rule
	name         string
	textType     TextType
	textResponse string
}

// handle attaches a body filter to textual responses. It never changes the
// headers itself.
func (c responseCall) handle(ctx context.Context, details *host.RequestDetails) *host.BlockingResponse {
	if c.textResponse == "" {
		return nil
	}
	label, ok := detectCharset(details.ResponseHeaders)
	if !ok {
		if !slices.Contains(textResources, details.Type) {
			return nil
		}
		label = defaultEncoding
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		slog.Warn("Unsupported charset", slog.String("charset", label), slog.String("url", details.URL))
		return nil
	}

	filter, err := c.rule.env.Host.FilterResponseData(details.RequestID)
	if err != nil {
		slog.Warn("Response filter unavailable", slog.String("url", details.URL), slog.Any("error", err),
			ruleAttr(KindResponse, c.rule.id, c.name))
		return nil
	}

	d := *details
	d.RequestHeaders = details.RequestHeaders.Clone()
	d.ResponseHeaders = details.ResponseHeaders.Clone()
	c.attach(context.WithoutCancel(ctx), filter, enc, name, &d)
	return nil
}

// attach decodes the body while it streams and writes the replacement when
// it ends. Any failure writes the original bytes so the response never
// hangs.
func (c responseCall) attach(ctx context.Context, filter host.StreamFilter, enc encoding.Encoding, name string, details *host.RequestDetails) {
	var (
		mu        sync.Mutex
		raw       bytes.Buffer
		decoded   bytes.Buffer
		decodeErr error
	)
	decoder := transform.NewWriter(&decoded, enc.NewDecoder())

	filter.OnData(func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		raw.Write(chunk)
		if decodeErr == nil {
			_, decodeErr = decoder.Write(chunk)
		}
	})

	filter.OnStop(func() {
		mu.Lock()
		defer mu.Unlock()
		defer func() {
			if err := filter.Close(); err != nil {
				slog.Debug("Close response filter", slog.Any("error", err))
			}
		}()

		out, err := c.rewrite(ctx, details, decoder, &decoded, decodeErr, enc)
		if err != nil {
			slog.Warn("Response rewrite failed", slog.String("url", details.URL), slog.String("charset", name),
				slog.Any("error", err), ruleAttr(KindResponse, c.rule.id, c.name))
			out = raw.Bytes()
		} else {
			c.rule.recordHit(c.name, details.URL, "response")
		}
		if err := filter.Write(out); err != nil {
			slog.Warn("Write response body", slog.String("url", details.URL), slog.Any("error", err))
		}
	})
}

func (c responseCall) rewrite(ctx context.Context, details *host.RequestDetails, decoder *transform.Writer,
	decoded *bytes.Buffer, decodeErr error, enc encoding.Encoding) ([]byte, error) {
	if decodeErr != nil {
		return nil, fmt.Errorf("decode body: %w", decodeErr)
	}
	if err := decoder.Close(); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}

	body := decoded.String()
	replacement := c.textResponse
	if c.textType == TextScript {
		result, err := executeScript(ctx, c.rule.env, details, &body, c.textResponse)
		if err != nil {
			return nil, err
		}
		// an empty result keeps the original body
		s, err := cast.ToStringE(result)
		if err != nil {
			return nil, fmt.Errorf("script result: %w", err)
		}
		replacement = s
		if s == "" {
			replacement = body
		}
	}

	out, _, err := transform.String(encoding.ReplaceUnsupported(enc.NewEncoder()), replacement)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return []byte(out), nil
}

// detectCharset reads the charset declared by Content-Type. A supported
// declared charset wins; a textual MIME type without one falls back to the
// default encoding.
func detectCharset(headers host.Headers) (string, bool) {
	h, ok := headers.Get("Content-Type")
	if !ok {
		return "", false
	}
	value := strings.ToLower(h.Value)
	mediaType, params, err := mime.ParseMediaType(value)
	if err == nil {
		if cs := strings.Trim(params["charset"], `"`); slices.Contains(encodings, cs) {
			return cs, true
		}
	} else {
		mediaType = value
		for _, cs := range encodings {
			if strings.Contains(value, "charset="+cs) {
				return cs, true
			}
		}
	}
	for _, t := range textMIMETypes {
		if strings.Contains(mediaType, t) {
			return defaultEncoding, true
		}
	}
	return "", false
}
