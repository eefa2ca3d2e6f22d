package proxy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/sunbk201/ruleproxy/internal/host"
)

type documentKey struct{}

// document collects what content scripts inject while its navigation
// events are dispatched.
type document struct {
	tabID   int
	frameID int

	mu      sync.Mutex
	scripts []host.InjectDetails
	styles  []host.InjectDetails
}

func withDocument(ctx context.Context, doc *document) context.Context {
	return context.WithValue(ctx, documentKey{}, doc)
}

func documentFrom(ctx context.Context, tabID int, details host.InjectDetails) (*document, error) {
	doc, _ := ctx.Value(documentKey{}).(*document)
	if doc == nil || doc.tabID != tabID {
		return nil, fmt.Errorf("%w: %d has no document loading", host.ErrNoTab, tabID)
	}
	if !details.AllFrames && details.FrameID != doc.frameID {
		return nil, fmt.Errorf("frame %d of tab %d is not loading", details.FrameID, tabID)
	}
	return doc, nil
}

func (d *document) addScript(details host.InjectDetails) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, details)
}

func (d *document) addStyle(details host.InjectDetails) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.styles = append(d.styles, details)
}

func (d *document) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scripts) == 0 && len(d.styles) == 0
}

// fragments renders the injections for the start of <head> and for the end
// of <body>.
func (d *document) fragments() (head, tail []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var start, end bytes.Buffer
	for _, s := range d.styles {
		w := &end
		if s.RunAt == host.RunAtDocumentStart {
			w = &start
		}
		fmt.Fprintf(w, "<style>%s</style>", escapeRawText(s.Code, "style"))
	}
	for _, s := range d.scripts {
		code := escapeRawText(s.Code, "script")
		switch s.RunAt {
		case host.RunAtDocumentStart:
			fmt.Fprintf(&start, "<script>%s</script>", code)
		case host.RunAtDocumentIdle:
			fmt.Fprintf(&end, "<script>window.addEventListener(\"load\", function() {\n%s\n});</script>", code)
		default:
			fmt.Fprintf(&end, "<script>%s</script>", code)
		}
	}
	return start.Bytes(), end.Bytes()
}

// escapeRawText keeps code from closing its raw text element early.
func escapeRawText(code, tag string) string {
	return strings.ReplaceAll(code, "</"+tag, "<\\/"+tag)
}

// splice inserts head right after the opening <head> tag, or ahead of the
// first content when there is none, and tail before </body>, or at the end.
func splice(body, head, tail []byte) []byte {
	if len(head) == 0 && len(tail) == 0 {
		return body
	}
	out := bytes.NewBuffer(make([]byte, 0, len(body)+len(head)+len(tail)))
	z := html.NewTokenizer(bytes.NewReader(body))

	headDone, tailDone := len(head) == 0, len(tail) == 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			out.Write(z.Raw())
			break
		}
		// TagName lowercases the buffer in place, so copy the raw token first
		raw := bytes.Clone(z.Raw())
		var tag string
		if tt == html.StartTagToken || tt == html.EndTagToken || tt == html.SelfClosingTagToken {
			name, _ := z.TagName()
			tag = string(name)
		}

		if !headDone && significant(tt, raw) && !(tt == html.StartTagToken && (tag == "html" || tag == "head")) {
			out.Write(head)
			headDone = true
		}
		if !tailDone && tt == html.EndTagToken && (tag == "body" || tag == "html") {
			out.Write(tail)
			tailDone = true
		}
		out.Write(raw)
		if !headDone && tt == html.StartTagToken && tag == "head" {
			out.Write(head)
			headDone = true
		}
	}
	if !headDone {
		out.Write(head)
	}
	if !tailDone {
		out.Write(tail)
	}
	return out.Bytes()
}

// significant reports whether a token starts the document content.
func significant(tt html.TokenType, raw []byte) bool {
	switch tt {
	case html.DoctypeToken, html.CommentToken:
		return false
	case html.TextToken:
		return len(bytes.TrimSpace(raw)) > 0
	}
	return true
}
