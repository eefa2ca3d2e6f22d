package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/ruleproxy/internal/api"
	"github.com/sunbk201/ruleproxy/internal/config"
	"github.com/sunbk201/ruleproxy/internal/factory"
	"github.com/sunbk201/ruleproxy/internal/log"
	"github.com/sunbk201/ruleproxy/internal/rule"
	"github.com/sunbk201/ruleproxy/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "ruleproxy",
	Short: "ruleproxy applies user rules to HTTP traffic",
	Long: "ruleproxy blocks, redirects and rewrites HTTP requests and responses and injects content scripts into pages, " +
		"either as a forward proxy or attached to a browser over the DevTools protocol.",
	RunE:          runRoot,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Short flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("bind", "b", "", "Proxy bind address")
	rootCmd.Flags().IntP("port", "p", 0, "Proxy port")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().String("host", "", "Traffic source: proxy, cdp")
	rootCmd.Flags().Int("socks-port", 0, "SOCKS5 port, 0 disables it")
	rootCmd.Flags().Int("api-port", 0, "Control API port, 0 disables it")
	rootCmd.Flags().String("api-secret", "", "Bearer secret for the control API")
	rootCmd.Flags().String("interpreter", "", "Script interpreter: embedded, remote")
	rootCmd.Flags().String("interpreter-endpoint", "", "WebSocket endpoint of a remote sandbox")
	rootCmd.Flags().String("codec", "", "Interpreter wire codec: json, msgpack")
	rootCmd.PersistentFlags().String("storage-local", "", "Local rule store (sqlite)")
	rootCmd.PersistentFlags().String("storage-sync", "", "Synced rule store (JSON file)")
	rootCmd.Flags().Bool("mitm", false, "Decrypt HTTPS tunnels")
	rootCmd.Flags().String("mitm-p12", "", "CA certificate as PKCS#12")
	rootCmd.Flags().String("mitm-hostname", "", "Hostnames to decrypt, comma separated, '-' excludes")
	rootCmd.Flags().String("cdp-endpoint", "", "DevTools HTTP endpoint or page WebSocket URL")
	rootCmd.Flags().String("cdp-target", "", "DevTools target id")

	// Bind all flags to viper using consistent key names
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("socks-port", rootCmd.Flags().Lookup("socks-port"))
	_ = viper.BindPFlag("api.port", rootCmd.Flags().Lookup("api-port"))
	_ = viper.BindPFlag("api.secret", rootCmd.Flags().Lookup("api-secret"))
	_ = viper.BindPFlag("interpreter.mode", rootCmd.Flags().Lookup("interpreter"))
	_ = viper.BindPFlag("interpreter.endpoint", rootCmd.Flags().Lookup("interpreter-endpoint"))
	_ = viper.BindPFlag("interpreter.codec", rootCmd.Flags().Lookup("codec"))
	_ = viper.BindPFlag("storage.local", rootCmd.PersistentFlags().Lookup("storage-local"))
	_ = viper.BindPFlag("storage.sync", rootCmd.PersistentFlags().Lookup("storage-sync"))
	_ = viper.BindPFlag("mitm.enabled", rootCmd.Flags().Lookup("mitm"))
	_ = viper.BindPFlag("mitm.p12", rootCmd.Flags().Lookup("mitm-p12"))
	_ = viper.BindPFlag("mitm.hostname", rootCmd.Flags().Lookup("mitm-hostname"))
	_ = viper.BindPFlag("cdp.endpoint", rootCmd.Flags().Lookup("cdp-endpoint"))
	_ = viper.BindPFlag("cdp.target", rootCmd.Flags().Lookup("cdp-target"))

	// Bind environment variables
	viper.SetEnvPrefix("RULEPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("mitm.passphrase", "RULEPROXY_MITM_PASSPHRASE")
	_ = viper.BindEnv("api.secret", "RULEPROXY_API_SECRET")
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	config.SetDefaults(viper.GetViper())
}

func runRoot(cmd *cobra.Command, args []string) error {
	// Handle -v / --version
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("ruleproxy version %s\n", AppVersion)
		return nil
	}

	// Handle -g / --generate-config
	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		if err := config.GenerateTemplateConfig("config.yaml"); err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	broadcaster := log.NewBroadcaster(log.DefaultBacklog)
	log.SetLogConf(cfg.LogLevel, broadcaster)
	log.LogHeader(AppVersion, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	addShutdown("cancel", func() error {
		cancel()
		return nil
	})

	recorder := statistics.NewRecorder(log.DataDir(), cfg.Stats.Interval)
	go recorder.Run(ctx)

	bridge, err := newBridge(ctx, cfg)
	if err != nil {
		slog.Error("newBridge", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("bridge.Close", bridge.Close)

	local, sync, err := openStores(cfg)
	if err != nil {
		slog.Error("openStores", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("local.Close", local.Close)
	addShutdown("sync.Close", sync.Close)

	h, err := newHost(cfg, recorder)
	if err != nil {
		slog.Error("newHost", slog.Any("error", err))
		shutdown()
		return err
	}

	rules := factory.New(&rule.Env{Host: h.Host, Executor: bridge, Recorder: recorder}, local, sync)
	addShutdown("factory.Close", func() error {
		rules.Close()
		return nil
	})
	if err := rules.Initialize(ctx); err != nil {
		slog.Warn("Some rules failed to load", slog.Any("error", err))
	}
	rules.Watch()

	// rules are registered before traffic starts flowing
	addShutdown("host.Close", h.Close)
	if err := h.Start(ctx); err != nil {
		slog.Error("host.Start", slog.Any("error", err))
		shutdown()
		return err
	}

	if addr := cfg.APIAddr(); addr != "" {
		apiServer := api.New(addr, AppVersion, cfg, rules, recorder, broadcaster)
		addShutdown("apiServer.Close", apiServer.Close)
		if err := apiServer.Start(); err != nil {
			slog.Error("apiServer.Start", slog.Any("error", err))
			shutdown()
			return err
		}
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
			reloadCtx, reloadCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := rules.Initialize(reloadCtx); err != nil {
				slog.Error("Reload rules", slog.Any("error", err))
			}
			reloadCancel()
		default:
			return nil
		}
	}
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	slog.Info("ruleproxy exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
