package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sunbk201/ruleproxy/internal/config"
	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/host/devtools"
	"github.com/sunbk201/ruleproxy/internal/host/proxy"
	"github.com/sunbk201/ruleproxy/internal/interpreter"
	"github.com/sunbk201/ruleproxy/internal/log"
	"github.com/sunbk201/ruleproxy/internal/mitm"
	"github.com/sunbk201/ruleproxy/internal/statistics"
	"github.com/sunbk201/ruleproxy/internal/storage"
)

const (
	localStoreName = "rules.db"
	syncStoreName  = "rules.json"
	caFileName     = "ca.p12"
)

// newBridge connects the script interpreter, in process or over WebSocket.
func newBridge(ctx context.Context, cfg *config.Config) (*interpreter.Bridge, error) {
	codec, err := interpreter.CodecByName(cfg.Interpreter.Codec)
	if err != nil {
		return nil, err
	}
	opts := []interpreter.Option{interpreter.WithCodec(codec), interpreter.WithTimeout(cfg.Interpreter.Timeout)}

	if cfg.Interpreter.Mode == config.InterpreterRemote {
		ch, err := interpreter.DialWebSocket(ctx, cfg.Interpreter.Endpoint, codec)
		if err != nil {
			return nil, err
		}
		slog.Info("Remote interpreter connected", slog.String("endpoint", cfg.Interpreter.Endpoint))
		return interpreter.NewBridge(ch, opts...), nil
	}

	sb := interpreter.NewSandbox(
		interpreter.WithSandboxCodec(codec),
		interpreter.WithScriptTimeout(cfg.Interpreter.ScriptTimeout),
	)
	return interpreter.StartEmbedded(ctx, sb, opts...), nil
}

// openStores opens the local and sync rule stores, defaulting both to files
// next to the logs.
func openStores(cfg *config.Config) (storage.Store, storage.Store, error) {
	localPath := cfg.Storage.Local
	if localPath == "" {
		localPath = log.DataFilePath(localStoreName)
	}
	syncPath := cfg.Storage.Sync
	if syncPath == "" {
		syncPath = log.DataFilePath(syncStoreName)
	}

	local, err := storage.OpenSQLite(localPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}
	sync, err := storage.OpenFile(syncPath)
	if err != nil {
		_ = local.Close()
		return nil, nil, fmt.Errorf("open sync store: %w", err)
	}
	slog.Info("Rule stores opened", slog.String("local", localPath), slog.String("sync", syncPath))
	return local, sync, nil
}

// hostRunner is a host with its lifecycle.
type hostRunner struct {
	host.Host
	Start func(ctx context.Context) error
	Close func() error
}

func newHost(cfg *config.Config, recorder *statistics.Recorder) (*hostRunner, error) {
	switch cfg.Host {
	case config.HostCDP:
		h := devtools.New(cfg.CDP.Endpoint, devtools.Options{Target: cfg.CDP.Target, Recorder: recorder})
		return &hostRunner{Host: h, Start: h.Start, Close: h.Close}, nil
	default:
		mm, err := newMiddleMan(cfg)
		if err != nil {
			return nil, err
		}
		p := proxy.New(cfg.ListenAddr(), proxy.Options{
			MiddleMan: mm,
			Recorder:  recorder,
			SOCKSAddr: cfg.SOCKSAddr(),
		})
		return &hostRunner{
			Host:  p,
			Start: func(context.Context) error { return p.Start() },
			Close: p.Close,
		}, nil
	}
}

// newMiddleMan loads the CA when HTTPS decryption is on. It returns nil
// otherwise, which leaves tunnels opaque.
func newMiddleMan(cfg *config.Config) (*mitm.MiddleMan, error) {
	if !cfg.MITM.Enabled {
		return nil, nil
	}
	path := cfg.MITM.P12
	if path == "" {
		path = log.DataFilePath(caFileName)
	}
	ca, err := mitm.LoadOrGenerateCA(path, cfg.MITM.Passphrase)
	if err != nil {
		return nil, err
	}
	hostname := cfg.MITM.Hostname
	if hostname == "" {
		hostname = "*"
	}
	filter, err := mitm.NewHostnameFilter(hostname)
	if err != nil {
		return nil, fmt.Errorf("mitm hostname: %w", err)
	}
	slog.Info("MitM enabled", slog.String("ca", path), slog.String("hostname", hostname))
	return mitm.NewMiddleMan(mitm.NewCertManager(ca), filter, cfg.MITM.InsecureSkipVerify), nil
}
