package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type HostType string

const (
	HostProxy HostType = "proxy"
	HostCDP   HostType = "cdp"
)

type InterpreterMode string

const (
	InterpreterEmbedded InterpreterMode = "embedded"
	InterpreterRemote   InterpreterMode = "remote"
)

type Config struct {
	Host        HostType `yaml:"host" validate:"oneof=proxy cdp"`
	BindAddress string   `yaml:"bind-address" validate:"required"`
	Port        int      `yaml:"port" validate:"min=1,max=65535"`
	SOCKSPort   int      `yaml:"socks-port" validate:"min=0,max=65535"`
	LogLevel    string   `yaml:"log-level" validate:"oneof=debug info warn error"`

	API         APIConfig         `yaml:"api"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Storage     StorageConfig     `yaml:"storage"`
	MITM        MITMConfig        `yaml:"mitm"`
	CDP         CDPConfig         `yaml:"cdp"`
	Stats       StatsConfig       `yaml:"stats"`
}

type APIConfig struct {
	BindAddress string `yaml:"bind-address"`
	// Port 0 disables the control API.
	Port   int    `yaml:"port" validate:"min=0,max=65535"`
	Secret string `yaml:"secret"`
}

type InterpreterConfig struct {
	Mode          InterpreterMode `yaml:"mode" validate:"oneof=embedded remote"`
	Endpoint      string          `yaml:"endpoint" validate:"omitempty,url"`
	Codec         string          `yaml:"codec" validate:"oneof=json msgpack"`
	Timeout       time.Duration   `yaml:"timeout" validate:"min=0"`
	ScriptTimeout time.Duration   `yaml:"script-timeout" validate:"min=0"`
}

type StorageConfig struct {
	// Local is the sqlite database holding rules that stay on this machine.
	Local string `yaml:"local"`
	// Sync is the JSON document shared with other instances.
	Sync string `yaml:"sync"`
}

type MITMConfig struct {
	Enabled            bool   `yaml:"enabled"`
	P12                string `yaml:"p12"`
	Passphrase         string `yaml:"passphrase"`
	Hostname           string `yaml:"hostname"`
	InsecureSkipVerify bool   `yaml:"insecure-skip-verify"`
}

type CDPConfig struct {
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Target   string `yaml:"target"`
}

type StatsConfig struct {
	Interval time.Duration `yaml:"interval" validate:"min=0"`
}

var validate = validator.New()

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", string(HostProxy))
	v.SetDefault("bind-address", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("socks-port", 0)
	v.SetDefault("log-level", "info")
	v.SetDefault("api.bind-address", "127.0.0.1")
	v.SetDefault("api.port", 9090)
	v.SetDefault("interpreter.mode", string(InterpreterEmbedded))
	v.SetDefault("interpreter.codec", "json")
	v.SetDefault("interpreter.timeout", "5s")
	v.SetDefault("interpreter.script-timeout", "2s")
	v.SetDefault("cdp.endpoint", "http://127.0.0.1:9222")
	v.SetDefault("stats.interval", "5s")
}

// BuildConfigFromViper decodes and validates the global viper state.
func BuildConfigFromViper() (*Config, error) {
	return BuildConfig(viper.GetViper())
}

func BuildConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Interpreter.Mode == InterpreterRemote && cfg.Interpreter.Endpoint == "" {
		return nil, fmt.Errorf("validate config: interpreter.endpoint is required in remote mode")
	}
	return &cfg, nil
}

// ListenAddr is the proxy listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// SOCKSAddr is empty when the SOCKS5 listener is disabled.
func (c *Config) SOCKSAddr() string {
	if c.SOCKSPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.BindAddress, c.SOCKSPort)
}

func (c *Config) APIAddr() string {
	if c.API.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.API.BindAddress, c.API.Port)
}

func (c *Config) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("host", string(c.Host)),
		slog.String("log_level", c.LogLevel),
		slog.String("interpreter", string(c.Interpreter.Mode)),
		slog.String("codec", c.Interpreter.Codec),
		slog.Duration("timeout", c.Interpreter.Timeout),
		slog.String("storage_local", c.Storage.Local),
		slog.String("storage_sync", c.Storage.Sync),
	}
	switch c.Host {
	case HostProxy:
		attrs = append(attrs, slog.String("listen", c.ListenAddr()), slog.Bool("mitm", c.MITM.Enabled))
		if addr := c.SOCKSAddr(); addr != "" {
			attrs = append(attrs, slog.String("socks", addr))
		}
		if c.MITM.Hostname != "" {
			attrs = append(attrs, slog.String("mitm_hostname", c.MITM.Hostname))
		}
	case HostCDP:
		attrs = append(attrs, slog.String("cdp", c.CDP.Endpoint))
	}
	if c.Interpreter.Mode == InterpreterRemote {
		attrs = append(attrs, slog.String("endpoint", c.Interpreter.Endpoint))
	}
	if addr := c.APIAddr(); addr != "" {
		attrs = append(attrs, slog.String("api", addr))
	}
	return slog.GroupValue(attrs...)
}
