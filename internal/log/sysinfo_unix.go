//go:build unix

package log

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// kernelAttrs describes the running kernel from uname(2).
func kernelAttrs() []slog.Attr {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return []slog.Attr{slog.Any("uname_error", err)}
	}
	return []slog.Attr{
		slog.String("kernel", unix.ByteSliceToString(u.Sysname[:])),
		slog.String("release", unix.ByteSliceToString(u.Release[:])),
		slog.String("machine", unix.ByteSliceToString(u.Machine[:])),
	}
}
