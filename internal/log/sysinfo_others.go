//go:build !unix

package log

import (
	"log/slog"
	"os"
)

func kernelAttrs() []slog.Attr {
	if v, ok := os.LookupEnv("OS"); ok {
		return []slog.Attr{slog.String("kernel", v)}
	}
	return nil
}
