// Package api serves the control surface: rule management, schemas, rule-hit
// statistics and the live log stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sunbk201/ruleproxy/internal/config"
	"github.com/sunbk201/ruleproxy/internal/factory"
	applog "github.com/sunbk201/ruleproxy/internal/log"
	"github.com/sunbk201/ruleproxy/internal/rule"
	"github.com/sunbk201/ruleproxy/internal/statistics"
)

// Rules is the rule management surface, implemented by *factory.Factory.
type Rules interface {
	Kinds() []rule.Kind
	Kind(name string) (rule.Kind, error)
	Get(kind rule.Kind) ([]map[string]any, error)
	Add(ctx context.Context, kind rule.Kind, details map[string]any) (map[string]any, error)
	Modify(ctx context.Context, kind rule.Kind, id string, changes map[string]any) (map[string]any, error)
	Remove(ctx context.Context, kind rule.Kind, id string) error
}

var _ Rules = (*factory.Factory)(nil)

type APIServer struct {
	version        string
	cfg            *config.Config
	addr           string
	rules          Rules
	recorder       *statistics.Recorder
	httpServer     *http.Server
	logBroadcaster *applog.Broadcaster
}

func New(addr string, version string, cfg *config.Config, rules Rules, recorder *statistics.Recorder, lb *applog.Broadcaster) *APIServer {
	return &APIServer{
		version:        version,
		cfg:            cfg,
		addr:           addr,
		rules:          rules,
		recorder:       recorder,
		logBroadcaster: lb,
	}
}

// Handler builds the router.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if s.cfg.API.Secret != "" {
		r.Use(s.authMiddleware)
	}

	r.Get("/version", s.handleVersion)
	r.Get("/config", s.handleConfig)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.handleRules)
		r.Get("/{kind}", s.handleKindRules)
		r.Post("/{kind}", s.handleAddRule)
		r.Patch("/{kind}/{id}", s.handleModifyRule)
		r.Delete("/{kind}/{id}", s.handleRemoveRule)
	})
	r.Get("/schema/{kind}", s.handleSchema)
	r.Get("/stats", s.handleStats)

	r.Get("/logs", s.handleLogs)

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/allocs", pprof.Handler("allocs"))
	})
	return r
}

func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}

	slog.Info("api-server started", slog.String("addr", s.addr))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()

	return nil
}

func (s *APIServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.API.Secret)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps factory errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, factory.ErrUnknownKind), errors.Is(err, factory.ErrUnknownRule):
		return http.StatusNotFound
	case errors.Is(err, factory.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
