// Command keyring is the credential side of BotMaker: it stores upstream
// LLM API keys encrypted at rest, and exposes an admin surface for key and
// bot management plus a data-plane proxy that injects real credentials
// into worker requests.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/truongan5/botmaker/internal/keyring"
	"github.com/truongan5/botmaker/internal/logging"
	"github.com/truongan5/botmaker/internal/providers"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := keyring.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("keyring starting", "version", version)

	store, err := keyring.Open(cfg.DBPath, cfg.MasterKey)
	if err != nil {
		log.Error("open keyring store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	selector := keyring.NewSelector(store)
	admin := keyring.NewAdmin(store, cfg.AdminToken, log.Component("admin"))
	proxy := keyring.NewProxy(store, selector, providers.VendorTable(), log.Component("proxy"))

	adminServer := &http.Server{
		Addr:         net.JoinHostPort("0.0.0.0", cfg.AdminPort),
		Handler:      admin,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	dataServer := &http.Server{
		Addr:        net.JoinHostPort("0.0.0.0", cfg.DataPort),
		Handler:     proxy,
		ReadTimeout: 30 * time.Second,
		// Streaming responses are long-lived; the proxy enforces its own
		// 120s total budget per request.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("admin surface listening", "addr", adminServer.Addr)
		errCh <- adminServer.ListenAndServe()
	}()
	go func() {
		log.Info("data plane listening", "addr", dataServer.Addr)
		errCh <- dataServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Error("http server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	_ = dataServer.Shutdown(shutdownCtx)
}
