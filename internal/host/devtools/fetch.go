package devtools

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/statistics"
)

// resourceTypes maps protocol resource types to the ones rules filter on.
var resourceTypes = map[string]string{
	"Stylesheet":         "stylesheet",
	"Image":              "image",
	"Media":              "media",
	"Font":               "font",
	"Script":             "script",
	"TextTrack":          "media",
	"XHR":                "xmlhttprequest",
	"Fetch":              "xmlhttprequest",
	"Prefetch":           "other",
	"EventSource":        "xmlhttprequest",
	"WebSocket":          "websocket",
	"Manifest":           "web_manifest",
	"Ping":               "ping",
	"CSPViolationReport": "csp_report",
	"Preflight":          "other",
}

func resourceType(t network.ResourceType, mainFrame bool) string {
	if string(t) == "Document" {
		if mainFrame {
			return "main_frame"
		}
		return "sub_frame"
	}
	if rt, ok := resourceTypes[string(t)]; ok {
		return rt
	}
	return "other"
}

// requestHeaders reads the protocol's header object in its original order.
func requestHeaders(raw []byte) host.Headers {
	headers := host.Headers{}
	gjson.ParseBytes(raw).ForEach(func(name, value gjson.Result) bool {
		// folded duplicates arrive joined by newlines
		for _, v := range strings.Split(value.String(), "\n") {
			headers = append(headers, host.Header{Name: name.String(), Value: v})
		}
		return true
	})
	return headers
}

func fromEntries(entries []fetch.HeaderEntry) host.Headers {
	headers := make(host.Headers, 0, len(entries))
	for _, e := range entries {
		headers = append(headers, host.Header{Name: e.Name, Value: e.Value})
	}
	return headers
}

func toEntries(headers host.Headers, drop ...string) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(headers))
next:
	for _, h := range headers {
		for _, name := range drop {
			if strings.EqualFold(h.Name, name) {
				continue next
			}
		}
		entries = append(entries, fetch.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	return entries
}

func (h *Host) details(ev *fetch.RequestPausedReply) *host.RequestDetails {
	u := ev.Request.URL
	if ev.Request.URLFragment != nil {
		u += *ev.Request.URLFragment
	}
	main := h.frames.isMain(ev.FrameID)
	d := &host.RequestDetails{
		RequestID:      string(ev.RequestID),
		URL:            u,
		Method:         ev.Request.Method,
		TabID:          pageTabID,
		FrameID:        h.frames.number(ev.FrameID),
		Type:           resourceType(ev.ResourceType, main),
		TimeStamp:      float64(time.Now().UnixMilli()),
		RequestHeaders: requestHeaders([]byte(ev.Request.Headers)),
	}
	if ref, ok := d.RequestHeaders.Get("Referer"); ok {
		d.OriginURL = ref.Value
	}
	if d.Type != "main_frame" {
		d.DocumentURL = h.frames.url(ev.FrameID)
		if d.OriginURL == "" {
			d.OriginURL = d.DocumentURL
		}
	}
	return d
}

func (h *Host) handlePaused(ctx context.Context, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ctx, pausedTimeout)
	defer cancel()

	if h.recorder != nil {
		id := string(ev.RequestID)
		h.recorder.Flows.Open(&statistics.FlowRecord{ID: id, SrcAddr: "devtools", URL: ev.Request.URL, StartTime: time.Now()})
		defer h.recorder.Flows.Done(id)
	}

	var err error
	if ev.ResponseStatusCode == nil {
		err = h.requestStage(ctx, ev)
	} else {
		err = h.responseStage(ctx, ev)
	}
	if err != nil {
		slog.Warn("Intercepted request", slog.String("url", ev.Request.URL), slog.Any("error", err))
	}
}

func (h *Host) requestStage(ctx context.Context, ev *fetch.RequestPausedReply) error {
	d := h.details(ev)
	if resp := h.DispatchRequest(ctx, host.EventBeforeRequest, d); resp != nil {
		if done, err := h.verdict(ctx, ev, d, resp); done {
			return err
		}
	}

	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
	if resp := h.DispatchRequest(ctx, host.EventBeforeSendHeaders, d); resp != nil {
		if done, err := h.verdict(ctx, ev, d, resp); done {
			return err
		}
		if resp.RequestHeaders != nil {
			args.Headers = toEntries(resp.RequestHeaders)
		}
	}
	return h.client.Fetch.ContinueRequest(ctx, args)
}

func (h *Host) responseStage(ctx context.Context, ev *fetch.RequestPausedReply) error {
	d := h.details(ev)
	d.StatusCode = *ev.ResponseStatusCode
	d.ResponseHeaders = fromEntries(ev.ResponseHeaders)

	h.mu.Lock()
	h.paused[d.RequestID] = nil
	h.mu.Unlock()
	resp := h.DispatchRequest(ctx, host.EventHeadersReceived, d)
	h.mu.Lock()
	filters := h.paused[d.RequestID]
	delete(h.paused, d.RequestID)
	h.mu.Unlock()

	if resp != nil {
		if done, err := h.verdict(ctx, ev, d, resp); done {
			return err
		}
	}
	headers := ev.ResponseHeaders
	changed := resp != nil && resp.ResponseHeaders != nil
	if changed {
		headers = toEntries(resp.ResponseHeaders)
	}

	if len(filters) > 0 {
		body, err := h.responseBody(ctx, ev.RequestID)
		if err == nil {
			for _, f := range filters {
				if body, err = f.Run(ctx, body); err != nil {
					slog.Warn("Response filter failed", slog.String("url", d.URL), slog.Any("error", err))
				}
			}
			// the body handed back is already decoded
			return h.client.Fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
				RequestID:       ev.RequestID,
				ResponseCode:    d.StatusCode,
				ResponseHeaders: toEntries(fromEntries(headers), "Content-Encoding", "Content-Length"),
				Body:            body,
			})
		}
		slog.Warn("Response body left unfiltered", slog.String("url", d.URL), slog.Any("error", err))
	}

	args := &fetch.ContinueResponseArgs{RequestID: ev.RequestID}
	if changed {
		// the protocol wants the status whenever the headers are overridden
		code := d.StatusCode
		args.ResponseCode = &code
		args.ResponseHeaders = headers
	}
	return h.client.Fetch.ContinueResponse(ctx, args)
}

func (h *Host) responseBody(ctx context.Context, id fetch.RequestID) ([]byte, error) {
	reply, err := h.client.Fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: id})
	if err != nil {
		return nil, err
	}
	if reply.Base64Encoded {
		return base64.StdEncoding.DecodeString(reply.Body)
	}
	return []byte(reply.Body), nil
}

// verdict answers a cancelled or redirected request. It reports whether the
// request has been settled.
func (h *Host) verdict(ctx context.Context, ev *fetch.RequestPausedReply, d *host.RequestDetails, resp *host.BlockingResponse) (bool, error) {
	switch {
	case resp.Cancel:
		slog.Info("Request cancelled", slog.String("url", d.URL))
		err := h.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
			RequestID:   ev.RequestID,
			ErrorReason: network.ErrorReasonBlockedByClient,
		})
		return true, err
	case resp.RedirectURL != "" && resp.RedirectURL != d.URL:
		slog.Info("Request redirected", slog.String("url", d.URL), slog.String("to", resp.RedirectURL))
		err := h.client.Fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
			RequestID:       ev.RequestID,
			ResponseCode:    http.StatusTemporaryRedirect,
			ResponseHeaders: []fetch.HeaderEntry{{Name: "Location", Value: resp.RedirectURL}},
		})
		if err != nil {
			return true, fmt.Errorf("redirect to %s: %w", resp.RedirectURL, err)
		}
		return true, nil
	}
	return false, nil
}
