// Package main runs the ANOINT Array API server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anoint-array/platform/internal/app"
	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/logging"
)

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.Default().WithError(err).Fatal("load configuration")
	}
	log := logging.New("anoint-array", cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialize application")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           application.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start background jobs")
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr":    cfg.Server.Addr,
			"env":     cfg.Server.Env,
			"version": app.Version,
		}).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("stopped")
}
