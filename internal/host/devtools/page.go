package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"

	"github.com/sunbk201/ruleproxy/internal/host"
)

const isolatedWorld = "ruleproxy"

// Lifecycle event names that map to navigation events.
var lifecycleEvents = map[string]host.NavigationEvent{
	"DOMContentLoaded": host.EventDOMContentLoaded,
	"load":             host.EventNavigationCompleted,
}

func (h *Host) frameNavigated(ctx context.Context, ev *page.FrameNavigatedReply) {
	n := h.frames.navigated(ev.Frame.ID, ev.Frame.ParentID, ev.Frame.URL)
	h.DispatchNavigation(ctx, host.EventNavigationCommitted, &host.NavigationDetails{
		TabID:     pageTabID,
		FrameID:   n,
		URL:       ev.Frame.URL,
		TimeStamp: float64(time.Now().UnixMilli()),
	})
}

func (h *Host) lifecycleEvent(ctx context.Context, ev *page.LifecycleEventReply) {
	event, ok := lifecycleEvents[ev.Name]
	if !ok {
		return
	}
	url := h.frames.url(ev.FrameID)
	if url == "" {
		return
	}
	h.DispatchNavigation(ctx, event, &host.NavigationDetails{
		TabID:     pageTabID,
		FrameID:   h.frames.number(ev.FrameID),
		URL:       url,
		TimeStamp: float64(time.Now().UnixMilli()),
	})
}

func (h *Host) ExecuteScript(ctx context.Context, tabID int, details host.InjectDetails) error {
	return h.inject(ctx, tabID, details, details.Code)
}

func (h *Host) InsertCSS(ctx context.Context, tabID int, details host.InjectDetails) error {
	return h.inject(ctx, tabID, details, styleExpression(details.Code))
}

// styleExpression is a script that appends css to the document.
func styleExpression(css string) string {
	quoted, _ := json.Marshal(css)
	return fmt.Sprintf(`(function() {
  var style = document.createElement("style");
  style.textContent = %s;
  (document.head || document.documentElement).appendChild(style);
})();`, quoted)
}

func (h *Host) inject(ctx context.Context, tabID int, details host.InjectDetails, expression string) error {
	if h.client == nil {
		return ErrNotStarted
	}
	if tabID != pageTabID {
		return fmt.Errorf("%w: %d", host.ErrNoTab, tabID)
	}
	var targets []page.FrameID
	if details.AllFrames {
		targets = h.frames.all()
	} else {
		id, ok := h.frames.lookup(details.FrameID)
		if !ok {
			return fmt.Errorf("frame %d of tab %d not found", details.FrameID, tabID)
		}
		targets = []page.FrameID{id}
	}

	var errs []error
	for _, frameID := range targets {
		if err := h.evaluate(ctx, frameID, expression); err != nil {
			errs = append(errs, fmt.Errorf("frame %s: %w", frameID, err))
		}
	}
	return errors.Join(errs...)
}

// evaluate runs expression in an isolated world of the frame, apart from
// the page's own scripts.
func (h *Host) evaluate(ctx context.Context, frameID page.FrameID, expression string) error {
	world, err := h.client.Page.CreateIsolatedWorld(ctx,
		page.NewCreateIsolatedWorldArgs(frameID).SetWorldName(isolatedWorld))
	if err != nil {
		return err
	}
	reply, err := h.client.Runtime.Evaluate(ctx,
		runtime.NewEvaluateArgs(expression).SetContextID(world.ExecutionContextID))
	if err != nil {
		return err
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("script threw: %s", reply.ExceptionDetails.Text)
	}
	return nil
}
