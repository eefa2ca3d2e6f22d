// Package host describes the runtime that delivers request and navigation
// events to rules, and the capabilities rules use in return.
package host

import (
	"context"
	"errors"
	"strings"

	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

var ErrNoTab = errors.New("host: tab not found")

type RequestEvent string

const (
	EventBeforeRequest     RequestEvent = "beforeRequest"
	EventBeforeSendHeaders RequestEvent = "beforeSendHeaders"
	EventHeadersReceived   RequestEvent = "headersReceived"
)

type NavigationEvent string

const (
	EventNavigationCommitted NavigationEvent = "committed"
	EventDOMContentLoaded    NavigationEvent = "domContentLoaded"
	EventNavigationCompleted NavigationEvent = "completed"
)

// ExtraInfo flags the capabilities a request listener needs.
type ExtraInfo string

const (
	ExtraBlocking        ExtraInfo = "blocking"
	ExtraRequestHeaders  ExtraInfo = "requestHeaders"
	ExtraResponseHeaders ExtraInfo = "responseHeaders"
)

type RunAt string

const (
	RunAtDocumentStart RunAt = "document_start"
	RunAtDocumentEnd   RunAt = "document_end"
	RunAtDocumentIdle  RunAt = "document_idle"
)

// AllURLs is the broadest listener pattern.
const AllURLs = "<all_urls>"

type Header struct {
	Name  string `json:"name" mapstructure:"name"`
	Value string `json:"value" mapstructure:"value"`
}

type Headers []Header

// Get returns the first header whose name matches case-insensitively.
func (h Headers) Get(name string) (Header, bool) {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return header, true
		}
	}
	return Header{}, false
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// RequestDetails is delivered to request listeners.
type RequestDetails struct {
	RequestID       string  `json:"requestId"`
	URL             string  `json:"url"`
	Method          string  `json:"method"`
	OriginURL       string  `json:"originUrl,omitempty"`
	DocumentURL     string  `json:"documentUrl,omitempty"`
	TabID           int     `json:"tabId"`
	FrameID         int     `json:"frameId"`
	Type            string  `json:"type"`
	TimeStamp       float64 `json:"timeStamp"`
	StatusCode      int     `json:"statusCode,omitempty"`
	RequestHeaders  Headers `json:"requestHeaders,omitempty"`
	ResponseHeaders Headers `json:"responseHeaders,omitempty"`
}

// BlockingResponse is a listener's verdict. A nil response leaves the
// request untouched; nil header slices leave the headers untouched.
type BlockingResponse struct {
	Cancel          bool    `json:"cancel,omitempty"`
	RedirectURL     string  `json:"redirectUrl,omitempty"`
	RequestHeaders  Headers `json:"requestHeaders,omitempty"`
	ResponseHeaders Headers `json:"responseHeaders,omitempty"`
}

type RequestListener func(ctx context.Context, details *RequestDetails) *BlockingResponse

type ListenerOptions struct {
	URLs      []string
	ExtraInfo []ExtraInfo
}

type NavigationDetails struct {
	TabID     int     `json:"tabId"`
	FrameID   int     `json:"frameId"`
	URL       string  `json:"url"`
	TimeStamp float64 `json:"timeStamp"`
}

type NavigationListener func(ctx context.Context, details *NavigationDetails)

// Subscription identifies a registered listener so the identical
// registration can be removed later.
type Subscription uint64

type RequestEvents interface {
	SubscribeRequest(event RequestEvent, listener RequestListener, opts ListenerOptions) Subscription
	UnsubscribeRequest(event RequestEvent, sub Subscription)
}

// NavigationEvents delivers navigations whose URL matches filter.
type NavigationEvents interface {
	SubscribeNavigation(event NavigationEvent, listener NavigationListener, filter *urlfilter.Filter) Subscription
	UnsubscribeNavigation(event NavigationEvent, sub Subscription)
}

// StreamFilter exposes a response body as it streams. Handlers must be set
// before the listener returns. The host holds the response until Close.
type StreamFilter interface {
	OnData(fn func(chunk []byte))
	OnStop(fn func())
	Write(data []byte) error
	Close() error
}

type ResponseFilterer interface {
	FilterResponseData(requestID string) (StreamFilter, error)
}

type Tab struct {
	ID        int  `json:"id"`
	Incognito bool `json:"incognito"`
	Pinned    bool `json:"pinned"`
}

type Tabs interface {
	Tab(ctx context.Context, tabID int) (*Tab, error)
}

// InjectDetails targets one frame, or every frame when AllFrames is set.
type InjectDetails struct {
	FrameID   int
	AllFrames bool
	Code      string
	RunAt     RunAt
}

type Injector interface {
	ExecuteScript(ctx context.Context, tabID int, details InjectDetails) error
	InsertCSS(ctx context.Context, tabID int, details InjectDetails) error
}

// Host is everything a rule may need from the runtime.
type Host interface {
	RequestEvents
	NavigationEvents
	ResponseFilterer
	Tabs
	Injector
}
