// Package log configures the process-wide slog logger: stdout, a rotated file
// in DataDir and any extra sink such as the control API's log stream.
package log

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sunbk201/ruleproxy/internal/config"
)

const timeLayout = "2006-01-02 15:04:05"

// SetLogConf installs the default slog logger.
func SetLogConf(level string, extra ...io.Writer) {
	writers := []io.Writer{
		os.Stdout,
		&lumberjack.Logger{
			Filename:   LogFilePath(),
			MaxSize:    5, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			LocalTime:  true,
			Compress:   true,
		},
	}
	writers = append(writers, extra...)
	slog.SetDefault(NewLogger(io.MultiWriter(writers...), level))
}

// NewLogger returns a text logger writing to w with timestamps in the
// machine's zone.
func NewLogger(w io.Writer, level string) *slog.Logger {
	loc := localZone()
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().In(loc).Format(timeLayout))
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("ruleproxy started", slog.String("version", version), slog.Any("config", cfg))
	slog.Info("System", slog.Any("system", SystemInfo()))
}

// WithAddr is the default logger scoped to one connection.
func WithAddr(src, dest string) *slog.Logger {
	return slog.With(slog.String("src", src), slog.String("dest", dest))
}

// localZone prefers the zoneinfo database and falls back to a POSIX TZ
// string in /etc/TZ, which is all some embedded systems ship.
func localZone() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil || os.Getenv("TZ") != "" {
		return time.Local
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		if loc, ok := parsePOSIXZone(strings.TrimSpace(string(data))); ok {
			return loc
		}
	}
	return time.UTC
}

// parsePOSIXZone reads the standard part of a POSIX TZ string such as
// "CST-8" or "NPT-5:45". POSIX offsets count west of UTC, so the sign flips.
// Daylight rules after the offset are ignored.
func parsePOSIXZone(tz string) (*time.Location, bool) {
	i := 0
	for i < len(tz) && (tz[i] >= 'A' && tz[i] <= 'Z' || tz[i] >= 'a' && tz[i] <= 'z') {
		i++
	}
	name, rest := tz[:i], tz[i:]
	if len(name) < 3 {
		return nil, false
	}
	sign := 1
	if rest != "" && (rest[0] == '-' || rest[0] == '+') {
		if rest[0] == '-' {
			sign = -1
		}
		rest = rest[1:]
	}
	j := 0
	for j < len(rest) && (rest[j] >= '0' && rest[j] <= '9' || rest[j] == ':') {
		j++
	}
	if j == 0 {
		return nil, false
	}
	hh, mm, _ := strings.Cut(rest[:j], ":")
	hours, err := strconv.Atoi(hh)
	if err != nil || hours > 24 {
		return nil, false
	}
	minutes := 0
	if mm != "" {
		if minutes, err = strconv.Atoi(mm); err != nil || minutes > 59 {
			return nil, false
		}
	}
	offset := -sign * (hours*3600 + minutes*60)
	return time.FixedZone(name, offset), true
}
