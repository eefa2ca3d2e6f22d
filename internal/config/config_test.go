package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// newViper returns a viper with the defaults registered, mirroring
// initConfig() in cmd/root.go.
func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

// writeConfigFile writes YAML content to a temp file.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// loadConfigFile merges a YAML config file into v.
func loadConfigFile(t *testing.T, v *viper.Viper, path string) {
	t.Helper()
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		t.Fatalf("failed to merge config file: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := BuildConfig(newViper(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Host", cfg.Host, HostProxy},
		{"BindAddress", cfg.BindAddress, "127.0.0.1"},
		{"Port", cfg.Port, 8080},
		{"SOCKSAddr", cfg.SOCKSAddr(), ""},
		{"LogLevel", cfg.LogLevel, "info"},
		{"API.BindAddress", cfg.API.BindAddress, "127.0.0.1"},
		{"API.Port", cfg.API.Port, 9090},
		{"API.Secret", cfg.API.Secret, ""},
		{"Interpreter.Mode", cfg.Interpreter.Mode, InterpreterEmbedded},
		{"Interpreter.Codec", cfg.Interpreter.Codec, "json"},
		{"Interpreter.Timeout", cfg.Interpreter.Timeout, 5 * time.Second},
		{"Interpreter.ScriptTimeout", cfg.Interpreter.ScriptTimeout, 2 * time.Second},
		{"Storage.Local", cfg.Storage.Local, ""},
		{"MITM.Enabled", cfg.MITM.Enabled, false},
		{"CDP.Endpoint", cfg.CDP.Endpoint, "http://127.0.0.1:9222"},
		{"Stats.Interval", cfg.Stats.Interval, 5 * time.Second},
		{"ListenAddr", cfg.ListenAddr(), "127.0.0.1:8080"},
		{"APIAddr", cfg.APIAddr(), "127.0.0.1:9090"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestConfigFromFile(t *testing.T) {
	v := newViper(t)

	yaml := `
host: cdp
bind-address: 0.0.0.0
port: 3128
socks-port: 1080
log-level: debug
api:
  port: 0
  secret: s3cret
interpreter:
  mode: remote
  endpoint: ws://127.0.0.1:9400/
  codec: msgpack
  timeout: 1500ms
  script-timeout: 1s
storage:
  local: /tmp/rules.db
  sync: /tmp/rules.json
mitm:
  enabled: true
  p12: /etc/ruleproxy/ca.p12
  hostname: "*.example.com,-ads.example.com"
  insecure-skip-verify: true
cdp:
  endpoint: http://10.0.0.2:9222
  target: page-1
stats:
  interval: 30s
`
	loadConfigFile(t, v, writeConfigFile(t, yaml))

	cfg, err := BuildConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Host", cfg.Host, HostCDP},
		{"BindAddress", cfg.BindAddress, "0.0.0.0"},
		{"Port", cfg.Port, 3128},
		{"SOCKSAddr", cfg.SOCKSAddr(), "0.0.0.0:1080"},
		{"LogLevel", cfg.LogLevel, "debug"},
		{"API.Port", cfg.API.Port, 0},
		{"API.Secret", cfg.API.Secret, "s3cret"},
		{"APIAddr", cfg.APIAddr(), ""},
		{"Interpreter.Mode", cfg.Interpreter.Mode, InterpreterRemote},
		{"Interpreter.Endpoint", cfg.Interpreter.Endpoint, "ws://127.0.0.1:9400/"},
		{"Interpreter.Codec", cfg.Interpreter.Codec, "msgpack"},
		{"Interpreter.Timeout", cfg.Interpreter.Timeout, 1500 * time.Millisecond},
		{"Interpreter.ScriptTimeout", cfg.Interpreter.ScriptTimeout, time.Second},
		{"Storage.Local", cfg.Storage.Local, "/tmp/rules.db"},
		{"Storage.Sync", cfg.Storage.Sync, "/tmp/rules.json"},
		{"MITM.Enabled", cfg.MITM.Enabled, true},
		{"MITM.P12", cfg.MITM.P12, "/etc/ruleproxy/ca.p12"},
		{"MITM.Hostname", cfg.MITM.Hostname, "*.example.com,-ads.example.com"},
		{"MITM.InsecureSkipVerify", cfg.MITM.InsecureSkipVerify, true},
		{"CDP.Endpoint", cfg.CDP.Endpoint, "http://10.0.0.2:9222"},
		{"CDP.Target", cfg.CDP.Target, "page-1"},
		{"Stats.Interval", cfg.Stats.Interval, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestFlagOverridesFile(t *testing.T) {
	v := newViper(t)
	loadConfigFile(t, v, writeConfigFile(t, "port: 3128\nlog-level: warn\n"))
	v.Set("port", 9999)

	cfg, err := BuildConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RULEPROXY_INTERPRETER_CODEC", "msgpack")
	t.Setenv("RULEPROXY_API_PORT", "7070")

	v := newViper(t)
	v.SetEnvPrefix("RULEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg, err := BuildConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interpreter.Codec != "msgpack" {
		t.Errorf("Interpreter.Codec = %q, want msgpack", cfg.Interpreter.Codec)
	}
	if cfg.API.Port != 7070 {
		t.Errorf("API.Port = %d, want 7070", cfg.API.Port)
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"unknown host", "host", "browser"},
		{"port zero", "port", 0},
		{"port too large", "port", 70000},
		{"socks port", "socks-port", -1},
		{"log level", "log-level", "verbose"},
		{"api port", "api.port", -1},
		{"interpreter mode", "interpreter.mode", "wasm"},
		{"codec", "interpreter.codec", "xml"},
		{"remote without endpoint", "interpreter.mode", "remote"},
		{"bad endpoint", "interpreter.endpoint", "not a url"},
		{"bad timeout", "interpreter.timeout", "soon"},
		{"bad cdp endpoint", "cdp.endpoint", "::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.val)
			if _, err := BuildConfig(v); err == nil {
				t.Errorf("%s=%v: expected error", tt.key, tt.val)
			}
		})
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := GenerateTemplateConfig(path); err != nil {
		t.Fatalf("GenerateTemplateConfig: %v", err)
	}

	v := viper.New()
	loadConfigFile(t, v, path)
	cfg, err := BuildConfig(v)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}

	want := TemplateConfig()
	if *cfg != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *cfg, want)
	}
}

func TestLogValue(t *testing.T) {
	for _, host := range []HostType{HostProxy, HostCDP} {
		v := newViper(t)
		v.Set("host", string(host))
		cfg, err := BuildConfig(v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		val := cfg.LogValue()
		if val.Kind() != slog.KindGroup {
			t.Errorf("LogValue().Kind() = %v, want Group", val.Kind())
		}
		var found bool
		for _, a := range val.Group() {
			if a.Key == "host" && a.Value.String() == string(host) {
				found = true
			}
		}
		if !found {
			t.Errorf("LogValue() lacks host=%s", host)
		}
	}
}

func TestBuildConfigFromViper(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults(viper.GetViper())
	viper.Set("port", 1234)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 1234 {
		t.Errorf("Port = %d, want 1234", cfg.Port)
	}
}
