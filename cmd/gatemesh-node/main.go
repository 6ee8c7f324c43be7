// Package main provides the entry point for gatemesh-node.
//
// gatemesh-node runs behind NAT, holds the private key for its public
// hostname and keeps an outbound session to a relay. TLS clients that
// reach the relay under the node's hostname are spliced here and
// terminated locally; inference streams are served against the
// configured upstream.
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
	"github.com/yndnr/gatemesh-go/internal/node/acmehook"
	"github.com/yndnr/gatemesh-go/internal/node/agent"
	"github.com/yndnr/gatemesh-go/internal/node/certmgr"
	"github.com/yndnr/gatemesh-go/internal/node/certwatch"
	"github.com/yndnr/gatemesh-go/internal/node/forward"
	"github.com/yndnr/gatemesh-go/internal/node/inference"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/server/config"
	"github.com/yndnr/gatemesh-go/internal/telemetry/logger"
)

func main() {
	app := &cli.App{
		Name:    "gatemesh-node",
		Usage:   "GateMesh node daemon",
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

	var expectRelay domain.NodeID
	if cfg.Node.RelayID != "" {
		expectRelay, err = domain.ParseNodeID(cfg.Node.RelayID)
		if err != nil {
			return fmt.Errorf("invalid node.relay_id: %w", err)
		}
	}

	log.Info("starting gatemesh-node",
		"version", buildinfo.Version,
		"node_id", identity.NodeID().Short(),
		"relay", cfg.Node.RelayAddress)

	certs, err := certwatch.New(cfg.TLS.CertFile, cfg.TLS.KeyFile, log)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	if err := certs.Start(); err != nil {
		return fmt.Errorf("watch certificate: %w", err)
	}

	fwd := forward.New(log, certs, cfg.Node.UpstreamAddress)
	inf := inference.NewHandler(log, inference.NewHTTPBackend(cfg.Node.UpstreamAddress))

	router := session.StreamHandlerFunc(func(sess *session.Session, st *session.Stream) {
		switch st.Kind() {
		case domain.StreamTLSForward:
			fwd.Handle(sess, st)
		case domain.StreamInference:
			inf.Handle(sess, st)
		default:
			st.Close()
		}
	})

	ag := agent.New(agent.Config{
		RelayAddress: cfg.Node.RelayAddress,
		Identity:     identity,
		ExpectRelay:  expectRelay,
		Capabilities: domain.Capabilities{
			SupportedStreams: []domain.StreamKind{domain.StreamInference, domain.StreamTLSForward},
		},
		Handler:      router,
		ReconnectMin: cfg.Node.ReconnectMin,
		ReconnectMax: cfg.Node.ReconnectMax,
		Logger:       log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go ag.Run(ctx)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	shutdownHandler.OnShutdown(func(context.Context) error {
		certs.Stop()
		return nil
	})
	shutdownHandler.OnShutdown(func(context.Context) error {
		log.Info("disconnecting from relay")
		cancel()
		return nil
	})

	if cfg.Node.ACMEHookAddress != "" {
		presenter := certmgr.NewPresenter(log, ag.Session)
		hook := acmehook.New(cfg.Node.ACMEHookAddress, presenter, log)
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down ACME hook")
			return hook.Shutdown(ctx)
		})
		go func() {
			log.Info("ACME hook listening", "addr", cfg.Node.ACMEHookAddress)
			if err := hook.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ACME hook error", "error", err)
			}
		}()
	}

	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("node stopped gracefully")
	return nil
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

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.NodeConfig, error) {
	cfg := config.DefaultNode()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.VerifyNode(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
