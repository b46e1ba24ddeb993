package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/EchoPBX/echostream/internal/adapter"
	"github.com/EchoPBX/echostream/internal/config"
	"github.com/EchoPBX/echostream/internal/httpserver"
	"github.com/EchoPBX/echostream/internal/logging"
	"github.com/EchoPBX/echostream/internal/metrics"
	"github.com/EchoPBX/echostream/internal/plugins"
	"github.com/EchoPBX/echostream/internal/reloader"
	"github.com/EchoPBX/echostream/pkg/sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "echostream:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, level, err := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Banner
	fmt.Println(`
  ______     _           _____ _
 |  ____|   | |         / ____| |
 | |__   ___| |__   ___| (___ | |_ _ __ ___  __ _ _ __ ___
 |  __| / __| '_ \ / _ \\___ \| __| '__/ _ \/ _' | '_ ' _ \
 | |___| (__| | | | (_) |___) | |_| | |  __/ (_| | | | | | |
 |______\___|_| |_|\___/_____/ \__|_|  \___|\__,_|_| |_| |_|

EchoStream: HTTP and WebSocket events on one bus
------------------------------------------------
Config:  ` + cfgPath + `
`)

	var opts []adapter.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, adapter.WithMetrics(metrics.New()))
	}
	a, err := adapter.New(cfg, logger, opts...)
	if err != nil {
		return err
	}

	pluginMgr := plugins.NewManager(logger.Named("plugins"), a.Bus())
	if cfg.Plugins.Manifest != "" {
		if err := pluginMgr.LoadManifest(cfg.Plugins.Manifest); err != nil {
			logger.Warn("some plugins failed to load", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a runtime that stops accepting after bind takes the process down
	failed := make(chan error, 1)
	a.Bus().Listen(ctx, func(ev sdk.Event) {
		if e, ok := ev.(sdk.ErrorEvent); ok && errors.Is(e.Err, httpserver.ErrServeFailed) {
			select {
			case failed <- e.Err:
			default:
			}
		}
	})

	if _, err := a.Start(); err != nil {
		_ = pluginMgr.Shutdown()
		return err
	}

	// Hot reload on SIGHUP. Listen addresses need a restart; level and
	// plugins do not.
	reloader.OnSIGHUP(ctx, func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, newCfg.Logging.Level); err != nil {
			logger.Warn("log level reload failed", zap.Error(err))
		}
		if newCfg.Plugins.Manifest != "" {
			_ = pluginMgr.Reload(newCfg.Plugins.Manifest)
		}
		logger.Info("reloaded config and plugins")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-failed:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		return a.Stop(false)
	})
	g.Go(func() error {
		<-gctx.Done()
		return pluginMgr.Shutdown()
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown", zap.Error(err))
		return err
	}
	logger.Info("bye")
	return nil
}
