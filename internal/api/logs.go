package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sunbk201/ruleproxy/internal/log"
)

const logWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logSink is one client of the log stream.
type logSink interface {
	send(line []byte) error
	flush()
}

type wsSink struct{ conn *websocket.Conn }

func (s wsSink) send(line []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, line)
}

func (wsSink) flush() {}

type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s httpSink) send(line []byte) error {
	_, err := s.w.Write(line)
	return err
}

func (s httpSink) flush() { s.flusher.Flush() }

// handleLogs replays the recent log lines, then follows new ones over a
// WebSocket or a chunked text/plain response. follow=false stops after the
// replay and level=warn drops lines below warn.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	minLevel := slog.LevelDebug
	if lv := r.URL.Query().Get("level"); lv != "" {
		minLevel = log.ParseLevel(lv)
	}
	follow := r.URL.Query().Get("follow") != "false"

	if websocket.IsWebSocketUpgrade(r) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", slog.Any("error", err))
			return
		}
		defer conn.Close()
		// the read pump only notices the client going away
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		s.streamLogs(ctx, wsSink{conn}, follow, minLevel)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	s.streamLogs(r.Context(), httpSink{w, flusher}, follow, minLevel)
}

func (s *APIServer) streamLogs(ctx context.Context, sink logSink, follow bool, minLevel slog.Level) {
	for _, line := range s.logBroadcaster.Recent() {
		if !lineAtLeast(line, minLevel) {
			continue
		}
		if err := sink.send(line); err != nil {
			return
		}
	}
	sink.flush()
	if !follow {
		return
	}

	ch := s.logBroadcaster.Subscribe()
	defer s.logBroadcaster.Unsubscribe(ch)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if !lineAtLeast(line, minLevel) {
				continue
			}
			if err := sink.send(line); err != nil {
				return
			}
			sink.flush()
		case <-ctx.Done():
			return
		}
	}
}

var levelKey = []byte(" level=")

// lineAtLeast reports whether a text-handler line is at floor or above. Lines
// without a level pass.
func lineAtLeast(line []byte, floor slog.Level) bool {
	i := bytes.Index(line, levelKey)
	if i < 0 {
		return true
	}
	rest := line[i+len(levelKey):]
	if j := bytes.IndexByte(rest, ' '); j >= 0 {
		rest = rest[:j]
	}
	var lv slog.Level
	if err := lv.UnmarshalText(rest); err != nil {
		return true
	}
	return lv >= floor
}
