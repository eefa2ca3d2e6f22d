package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/sunbk201/ruleproxy/internal/interpreter"
	"github.com/sunbk201/ruleproxy/internal/log"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Serve the script interpreter over WebSocket for remote rule engines",
	RunE:  runSandbox,
}

var (
	sandboxListen        string
	sandboxCodec         string
	sandboxScriptTimeout time.Duration
	sandboxConcurrency   int
	sandboxLogLevel      string
)

func init() {
	sandboxCmd.Flags().StringVar(&sandboxListen, "listen", "127.0.0.1:9400", "Listen address")
	sandboxCmd.Flags().StringVar(&sandboxCodec, "codec", "json", "Wire codec: json, msgpack")
	sandboxCmd.Flags().DurationVar(&sandboxScriptTimeout, "script-timeout", 2*time.Second, "Time limit of one script")
	sandboxCmd.Flags().IntVar(&sandboxConcurrency, "concurrency", 0, "Scripts run at once per connection, 0 for the default")
	sandboxCmd.Flags().StringVar(&sandboxLogLevel, "log-level", "info", "Log level")
	rootCmd.AddCommand(sandboxCmd)
}

func runSandbox(cmd *cobra.Command, args []string) error {
	codec, err := interpreter.CodecByName(sandboxCodec)
	if err != nil {
		return err
	}
	log.SetLogConf(sandboxLogLevel)

	opts := []interpreter.SandboxOption{
		interpreter.WithSandboxCodec(codec),
		interpreter.WithScriptTimeout(sandboxScriptTimeout),
	}
	if sandboxConcurrency > 0 {
		opts = append(opts, interpreter.WithConcurrency(sandboxConcurrency))
	}
	sb := interpreter.NewSandbox(opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		ch, err := interpreter.AcceptWebSocket(w, req, codec)
		if err != nil {
			slog.Warn("Sandbox upgrade", slog.String("remote", req.RemoteAddr), slog.Any("error", err))
			return
		}
		slog.Info("Sandbox client connected", slog.String("remote", req.RemoteAddr))
		if err := sb.Serve(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			slog.Info("Sandbox client disconnected", slog.String("remote", req.RemoteAddr), slog.Any("error", err))
		}
	})

	srv := &http.Server{Addr: sandboxListen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("Sandbox started", slog.String("addr", sandboxListen), slog.String("codec", codec.Name()))
	fmt.Fprintf(os.Stderr, "sandbox listening on ws://%s/\n", sandboxListen)

	select {
	case err := <-errCh:
		return fmt.Errorf("sandbox listen failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
