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

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/logstore"
)

func main() {
	// Parse flags.
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := flags.resolve()
	if err != nil {
		color.Red("Configuration error, exiting: %s", err)
		os.Exit(1)
	}

	logger := logrus.New()
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Error opening log store, exiting: %v", err)
	}
	defer store.Close()

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, newHub(store, logger, !cfg.Quiet))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Start the server.
	logger.Infof("Starting server on %s (%s store)", cfg.Addr, cfg.Store)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Error starting server, exiting: %v", err)
	}
}

// openStore opens the log store backend named in cfg.
func openStore(ctx context.Context, cfg Config) (logstore.Store, error) {
	switch cfg.Store {
	case "memory", "":
		return logstore.NewMemory(), nil
	case "sqlite":
		store, err := logstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
