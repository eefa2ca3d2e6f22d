package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(2)
	for _, line := range []string{"a", "b", "c"} {
		_, err := b.Write([]byte(line))
		require.NoError(t, err)
	}
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, b.Recent())

	ch := b.Subscribe()
	_, _ = b.Write([]byte("d"))
	assert.Equal(t, []byte("d"), <-ch)

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcasterPartialBacklog(t *testing.T) {
	b := NewBroadcaster(4)
	_, _ = b.Write([]byte("x"))
	assert.Equal(t, [][]byte{[]byte("x")}, b.Recent())

	assert.Empty(t, NewBroadcaster(0).Recent())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown k=v")
	assert.True(t, strings.HasPrefix(out, "time="))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParsePOSIXZone(t *testing.T) {
	tests := []struct {
		tz     string
		name   string
		offset int
		ok     bool
	}{
		{"CST-8", "CST", 8 * 3600, true},
		{"UTC0", "UTC", 0, true},
		{"EST5EDT,M3.2.0,M11.1.0", "EST", -5 * 3600, true},
		{"NPT-5:45", "NPT", 5*3600 + 45*60, true},
		{"PST+8", "PST", -8 * 3600, true},
		{"Z1", "", 0, false},
		{"CET", "", 0, false},
		{"CET-1:75", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			loc, ok := parsePOSIXZone(tt.tz)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			name, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.offset, offset)
		})
	}
}

func TestChooseDataDir(t *testing.T) {
	base := t.TempDir()
	blocked := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocked, nil, 0644))

	want := filepath.Join(base, "data")
	assert.Equal(t, want, chooseDataDir([]string{filepath.Join(blocked, "sub"), want}))
	assert.DirExists(t, want)

	assert.Equal(t, filepath.Join(os.TempDir(), appName), chooseDataDir(nil))
}

func TestWithAddr(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	slog.SetDefault(NewLogger(&buf, "debug"))

	WithAddr("10.0.0.1:5000", "example.com:443").Debug("Tunnelling")
	assert.Contains(t, buf.String(), `msg=Tunnelling src=10.0.0.1:5000 dest=example.com:443`)
}

func TestSystemInfo(t *testing.T) {
	v := SystemInfo()
	require.Equal(t, slog.KindGroup, v.Kind())
	keys := make([]string, 0, len(v.Group()))
	for _, a := range v.Group() {
		keys = append(keys, a.Key)
	}
	assert.Subset(t, keys, []string{"os", "arch", "go", "pid", "data_dir"})
}
