package rule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cast"

	"github.com/sunbk201/ruleproxy/internal/host"
)

const (
	FieldCode       = "code"
	FieldScriptType = "scriptType"
	FieldDOMEvent   = "domEvent"
	FieldFrameID    = "frameId"
)

type ScriptType string

const (
	ScriptJS  ScriptType = "script"
	ScriptCSS ScriptType = "stylesheet"
)

type DOMEvent string

const (
	DOMLoading   DOMEvent = "loading"
	DOMLoaded    DOMEvent = "loaded"
	DOMCompleted DOMEvent = "completed"
)

type domEventBinding struct {
	event host.NavigationEvent
	runAt host.RunAt
}

var domEvents = map[DOMEvent]domEventBinding{
	DOMLoading:   {host.EventNavigationCommitted, host.RunAtDocumentStart},
	DOMLoaded:    {host.EventDOMContentLoaded, host.RunAtDocumentEnd},
	DOMCompleted: {host.EventNavigationCompleted, host.RunAtDocumentIdle},
}

// contentScript injects a script or stylesheet into matching pages.
type contentScript struct {
	code       string
	scriptType ScriptType
	domEvent   DOMEvent
	// frameID restricts injection to one frame; -1 allows every frame.
	frameID int

	event      host.NavigationEvent
	sub        host.Subscription
	subscribed bool
}

func (s *contentScript) Kind() Kind {
	return KindContentScript
}

func (s *contentScript) Fields() []string {
	return []string{FieldCode, FieldScriptType, FieldDOMEvent, FieldFrameID}
}

func (s *contentScript) Defaults() map[string]any {
	return map[string]any{
		FieldCode:       "",
		FieldScriptType: string(ScriptJS),
		FieldDOMEvent:   string(DOMCompleted),
		FieldFrameID:    -1,
	}
}

func (s *contentScript) Set(field string, value any) (bool, error) {
	switch field {
	case FieldCode:
		code, err := cast.ToStringE(value)
		if err != nil {
			return false, err
		}
		changed := code != s.code
		s.code = code
		return changed, nil
	case FieldScriptType:
		t, err := parseScriptType(value)
		if err != nil {
			return false, err
		}
		s.scriptType = t
	case FieldDOMEvent:
		e, err := cast.ToStringE(value)
		if err != nil {
			return false, err
		}
		if e == "" {
			e = string(DOMCompleted)
		}
		if err := oneOf(field, e, string(DOMLoading), string(DOMLoaded), string(DOMCompleted)); err != nil {
			return false, err
		}
		changed := DOMEvent(e) != s.domEvent
		s.domEvent = DOMEvent(e)
		return changed, nil
	case FieldFrameID:
		id, err := cast.ToIntE(value)
		if err != nil {
			return false, err
		}
		if id < -1 {
			return false, fmt.Errorf("invalid frameId %d", id)
		}
		s.frameID = id
	}
	return false, nil
}

func parseScriptType(value any) (ScriptType, error) {
	t, err := cast.ToStringE(value)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(t) {
	case "", "script", "javascript":
		return ScriptJS, nil
	case "stylesheet", "css":
		return ScriptCSS, nil
	}
	return "", fmt.Errorf("invalid scriptType %q: must be one of script, stylesheet", t)
}

func (s *contentScript) Get(field string) (any, bool) {
	switch field {
	case FieldCode:
		return s.code, true
	case FieldScriptType:
		return string(s.scriptType), true
	case FieldDOMEvent:
		return string(s.domEvent), true
	case FieldFrameID:
		return s.frameID, true
	}
	return nil, false
}

// Register subscribes only when there is code to inject and a filter to
// match pages with.
func (s *contentScript) Register(r *Rule) {
	if s.code == "" || r.urlFilter.Empty() {
		return
	}
	binding := domEvents[s.domEvent]
	listener := func(ctx context.Context, details *host.NavigationDetails) {
		r.mu.RLock()
		if !r.active {
			r.mu.RUnlock()
			return
		}
		name, code, scriptType, frameID := r.name, s.code, s.scriptType, s.frameID
		r.mu.RUnlock()

		if frameID >= 0 && details.FrameID != frameID {
			return
		}
		inject := r.env.Host.ExecuteScript
		if scriptType == ScriptCSS {
			inject = r.env.Host.InsertCSS
		}
		err := inject(ctx, details.TabID, host.InjectDetails{
			FrameID: details.FrameID,
			Code:    code,
			RunAt:   binding.runAt,
		})
		if err != nil {
			slog.Warn("Inject content script", slog.String("url", details.URL), slog.Int("tab", details.TabID),
				slog.Int("frame", details.FrameID), slog.Any("error", err), ruleAttr(KindContentScript, r.id, name))
			return
		}
		r.recordHit(name, details.URL, string(scriptType))
	}
	s.event = binding.event
	s.sub = r.env.Host.SubscribeNavigation(binding.event, listener, r.urlFilter)
	s.subscribed = true
}

func (s *contentScript) Unregister(r *Rule) {
	if !s.subscribed {
		return
	}
	r.env.Host.UnsubscribeNavigation(s.event, s.sub)
	s.subscribed = false
}
