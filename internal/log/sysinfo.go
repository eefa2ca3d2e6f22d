package log

import (
	"log/slog"
	"os"
	"runtime"
)

// SystemInfo groups what the startup header reports about the process and
// the machine it runs on.
func SystemInfo() slog.Value {
	attrs := []slog.Attr{
		slog.String("os", runtime.GOOS),
		slog.String("arch", runtime.GOARCH),
		slog.String("go", runtime.Version()),
		slog.Int("pid", os.Getpid()),
		slog.String("data_dir", DataDir()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}
	attrs = append(attrs, kernelAttrs()...)
	return slog.GroupValue(attrs...)
}
