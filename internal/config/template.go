package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// TemplateConfig is the configuration written by --generate-config.
func TemplateConfig() Config {
	return Config{
		Host:        HostProxy,
		BindAddress: "127.0.0.1",
		Port:        8080,
		LogLevel:    "info",

		API: APIConfig{
			BindAddress: "127.0.0.1",
			Port:        9090,
		},

		Interpreter: InterpreterConfig{
			Mode:          InterpreterEmbedded,
			Codec:         "json",
			Timeout:       5 * time.Second,
			ScriptTimeout: 2 * time.Second,
		},

		MITM: MITMConfig{
			Enabled:  false,
			Hostname: "*",
		},

		CDP: CDPConfig{
			Endpoint: "http://127.0.0.1:9222",
		},

		Stats: StatsConfig{
			Interval: 5 * time.Second,
		},
	}
}

func GenerateTemplateConfig(path string) error {
	cfg := TemplateConfig()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal template config to YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write template config to file: %w", err)
	}
	return nil
}
