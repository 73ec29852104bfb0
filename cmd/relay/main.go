package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/auth"
	"timer-link/pkg/config"
	"timer-link/pkg/db"
	"timer-link/pkg/logging"
	"timer-link/pkg/relay"
	"timer-link/pkg/store"
	"timer-link/pkg/version"
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version.String("relay"))
		return
	}
	log := logging.New("relay", cfg.Log.Level, cfg.Log.JSON)

	mailbox, err := openMailbox(cfg)
	if err != nil {
		log.Error("mailbox init failed", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	registry, err := openRegistry(cfg, log)
	if err != nil {
		log.Error("registry init failed", "registry", cfg.Registry, "error", err)
		os.Exit(1)
	}

	signer := auth.NewSigner(cfg.JWTSecret)
	hub := relay.NewHub(signer, registry, mailbox, log)
	mux := http.NewServeMux()
	relay.RegisterRoutes(mux, hub, registry, signer, relay.Options{
		AdminToken: cfg.AdminToken,
		TokenTTL:   cfg.TokenTTL,
		Logger:     log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("relay listening", "addr", cfg.Addr, "store", cfg.Store, "registry", cfg.Registry, "version", version.Build)
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		tlsCfg, errTLS := relay.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.ClientCA)
		if errTLS != nil {
			log.Error("failed to build TLS config", "error", errTLS)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
	}
	if cerr := hub.Close(); cerr != nil {
		log.Warn("close failed", "error", cerr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		os.Exit(1)
	}
}

func openMailbox(cfg config.Relay) (store.Mailbox, error) {
	switch cfg.Store {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "consul":
		return store.NewConsulMailbox(cfg.ConsulAddr)
	default:
		return store.NewMemory(), nil
	}
}

func openRegistry(cfg config.Relay, log hclog.Logger) (store.PairingRegistry, error) {
	if cfg.Registry != "mysql" {
		log.Warn("using in-memory pairing registry; pairings are lost on restart")
		return store.NewMemoryRegistry(), nil
	}
	gdb, err := db.Open(db.ConfigFromEnv())
	if err != nil {
		return nil, err
	}
	return db.NewRegistry(gdb), nil
}
