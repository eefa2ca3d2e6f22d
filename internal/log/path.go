package log

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	appName = "ruleproxy"
	// HomeEnv overrides where logs, rule stores and the CA are kept.
	HomeEnv = "RULEPROXY_HOME"
)

var (
	dataDir     string
	dataDirOnce sync.Once
)

// DataDir is where ruleproxy keeps its log file, rule stores, statistics dump
// and CA. The first writable candidate wins:
//   - $RULEPROXY_HOME
//   - /var/log/ruleproxy (linux only)
//   - ~/.ruleproxy
//   - the temp directory
func DataDir() string {
	dataDirOnce.Do(func() {
		dataDir = chooseDataDir(dataDirCandidates())
	})
	return dataDir
}

func dataDirCandidates() []string {
	var dirs []string
	if dir := os.Getenv(HomeEnv); dir != "" {
		dirs = append(dirs, dir)
	}
	if runtime.GOOS == "linux" {
		dirs = append(dirs, filepath.Join("/var/log", appName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "."+appName))
	}
	return dirs
}

func chooseDataDir(candidates []string) string {
	for _, dir := range candidates {
		if writable(dir) {
			return dir
		}
	}
	dir := filepath.Join(os.TempDir(), appName)
	_ = os.MkdirAll(dir, 0755)
	return dir
}

// writable creates dir if needed and checks it with a scratch file.
func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true
}

func LogFilePath() string {
	return filepath.Join(DataDir(), appName+".log")
}

// DataFilePath returns the path of name inside DataDir.
func DataFilePath(name string) string {
	return filepath.Join(DataDir(), name)
}
