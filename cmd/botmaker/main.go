// Command botmaker is the control plane: it provisions, supervises and
// tears down per-tenant chatbot worker containers on the local Docker
// host, and serves the operator HTTP API.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/truongan5/botmaker/internal/auth"
	"github.com/truongan5/botmaker/internal/bot"
	"github.com/truongan5/botmaker/internal/config"
	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/keyclient"
	"github.com/truongan5/botmaker/internal/logging"
	"github.com/truongan5/botmaker/internal/reconcile"
	"github.com/truongan5/botmaker/internal/secrets"
	"github.com/truongan5/botmaker/internal/store"
	"github.com/truongan5/botmaker/internal/web"
	"github.com/truongan5/botmaker/internal/workspace"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("botmaker starting", "version", version)

	st, err := store.Open(filepath.Join(cfg.DataDir, "botmaker.db"))
	if err != nil {
		log.Error("open metadata store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	vault, err := secrets.New(cfg.SecretsDir)
	if err != nil {
		log.Error("open secrets vault", "error", err)
		os.Exit(1)
	}
	tmpl, err := workspace.New(cfg.DataDir)
	if err != nil {
		log.Error("prepare workspace root", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.NewClient(cfg.DockerSock)
	if err != nil {
		log.Error("connect to docker", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := dockerClient.Ping(pingCtx); err != nil {
		cancel()
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}
	cancel()

	driver := docker.NewDriver(dockerClient, log.Component("docker"))

	var keyring *keyclient.Client
	var managerKeyring bot.Keyring
	if cfg.KeyringConfigured() {
		keyring = keyclient.New(cfg.ProxyAdminURL, cfg.ProxyAdminToken)
		managerKeyring = keyring
		log.Info("keyring configured", "admin_url", cfg.ProxyAdminURL)
	}

	manager := bot.New(st, vault, tmpl, driver, managerKeyring, bot.Options{
		Image:             cfg.OpenclawImage,
		PortStart:         cfg.BotPortStart,
		Network:           cfg.BotNetwork,
		ProxyURL:          cfg.ProxyURL,
		DataVolumeName:    cfg.DataVolumeName,
		SecretsVolumeName: cfg.SecretsVolumeName,
	}, log.Component("lifecycle"))

	reconciler := reconcile.New(st, driver, tmpl, vault, log.Component("reconcile"))

	// Startup reconciliation syncs bot status rows with observed container
	// state. The report is only logged; it is not kept in memory.
	if rep, err := reconciler.Report(ctx); err != nil {
		log.Warn("startup reconciliation failed", "error", err)
	} else {
		log.Info("startup reconciliation",
			"status_adjustments", rep.StatusAdjustments, "orphans", rep.Total())
	}

	// Optional scheduled reconciliation keeps long-running deployments
	// converged without operator action.
	var scheduler *cron.Cron
	if cfg.ReconcileSchedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() {
			if rep, err := reconciler.Report(context.Background()); err != nil {
				log.Warn("scheduled reconciliation failed", "error", err)
			} else if rep.StatusAdjustments > 0 || rep.Total() > 0 {
				log.Info("scheduled reconciliation",
					"status_adjustments", rep.StatusAdjustments, "orphans", rep.Total())
			}
		})
		if err != nil {
			log.Error("invalid reconcile schedule", "schedule", cfg.ReconcileSchedule, "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info("reconcile schedule active", "schedule", cfg.ReconcileSchedule)
	}

	server := web.NewServer(web.Dependencies{
		Manager:        manager,
		Reconciler:     reconciler,
		Stats:          driver,
		Keyring:        keyring,
		Auth:           auth.NewService(cfg.AdminPassword, cfg.SessionExpiry),
		MetricsEnabled: cfg.MetricsEnabled,
		Log:            log.Component("web"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(net.JoinHostPort(cfg.Host, cfg.Port))
	}()

	select {
	case err := <-errCh:
		log.Error("http server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		log.Warn("shutdown", "error", err)
	}
}
