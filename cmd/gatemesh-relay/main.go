// Package main provides the entry point for gatemesh-relay.
//
// gatemesh-relay is the publicly reachable half of GateMesh: it accepts
// peer sessions from nodes, assigns them hostnames under the configured
// domain suffix, fulfils their DNS-01 challenge requests and forwards
// public TLS connections to the owning node by SNI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/infra/buildinfo"
	"github.com/yndnr/gatemesh-go/internal/infra/confloader"
	"github.com/yndnr/gatemesh-go/internal/infra/shutdown"
	"github.com/yndnr/gatemesh-go/internal/relay/adminserver"
	"github.com/yndnr/gatemesh-go/internal/relay/dnschallenge"
	"github.com/yndnr/gatemesh-go/internal/relay/relayserver"
	"github.com/yndnr/gatemesh-go/internal/relay/store"
	"github.com/yndnr/gatemesh-go/internal/server/config"
	"github.com/yndnr/gatemesh-go/internal/telemetry/logger"
	"github.com/yndnr/gatemesh-go/internal/telemetry/metric"
)

func main() {
	app := &cli.App{
		Name:    "gatemesh-relay",
		Usage:   "GateMesh relay daemon",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"GATEMESH_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})

	watchLogLevel(c.String("config"), log)

	identity, err := domain.LoadOrCreateIdentity(cfg.Identity.Dir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	log.Info("starting gatemesh-relay",
		"version", buildinfo.Version,
		"node_id", identity.NodeID().Short(),
		"suffix", cfg.Domain.Suffix)

	st, err := store.Open(cfg.Storage.DataDir, cfg.Domain.Suffix, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	met := metric.New()

	provider, err := buildProvider(cfg, log)
	if err != nil {
		st.Close()
		return err
	}
	coord := dnschallenge.NewCoordinator(log, provider, met, cfg.Domain.Suffix)

	srv := relayserver.New(&relayserver.Config{
		PublicAddress: cfg.Relay.PublicAddress,
		PeerAddress:   cfg.Relay.PeerAddress,
		HelloTimeout:  cfg.Relay.HelloTimeout,
		RateLimit:     cfg.Relay.RateLimit,
	}, identity, st, coord, met, log)

	admin := adminserver.New(cfg.Relay.AdminAddress, adminserver.Deps{
		Identity: identity,
		Version:  buildinfo.Version,
		Manager:  srv.Sessions(),
		Registry: srv.Registry(),
		Coord:    coord,
		Metrics:  met,
	}, log)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	shutdownHandler.OnShutdown(func(context.Context) error {
		log.Info("closing store")
		return st.Close()
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down relay server")
		return srv.Shutdown(ctx)
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down admin server")
		return admin.Shutdown(ctx)
	})

	if err := srv.Start(context.Background()); err != nil {
		st.Close()
		return fmt.Errorf("start relay: %w", err)
	}
	log.Info("relay listening",
		"public", cfg.Relay.PublicAddress,
		"peer", cfg.Relay.PeerAddress)

	go func() {
		log.Info("admin API listening", "addr", cfg.Relay.AdminAddress)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()

	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("relay stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.RelayConfig, error) {
	cfg := config.DefaultRelay()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.VerifyRelay(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchLogLevel re-applies log.level on config file changes.
func watchLogLevel(configFile string, log *slog.Logger) {
	if configFile == "" {
		return
	}
	w, err := confloader.NewWatcher(configFile, log)
	if err != nil {
		log.Warn("cannot watch config file", "path", configFile, "error", err)
		return
	}
	w.OnChange(func() {
		fresh, err := loadConfig(configFile)
		if err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		logger.SetLevel(fresh.Log.Level)
		log.Info("log level applied", "level", fresh.Log.Level)
	})
	w.Start()
}

// buildProvider selects the DNS provider from configuration.
func buildProvider(cfg *config.RelayConfig, log *slog.Logger) (dnschallenge.Provider, error) {
	switch cfg.Domain.Provider {
	case "cloudflare":
		return dnschallenge.NewCloudflareProvider(log, cfg.Domain.Cloudflare.ZoneID, cfg.Domain.Cloudflare.APIToken), nil
	case "memory":
		log.Warn("using in-memory DNS provider, challenges are not externally visible")
		return dnschallenge.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown DNS provider %q", cfg.Domain.Provider)
	}
}
