package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fraudgraph.org/internal/app"
	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/httpapi"
	"fraudgraph.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logCloser := obs.ConfigureLogger(obs.LogConfig{Level: cfg.Log.Level, File: cfg.Log.File})
	defer logCloser.Close()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg); err != nil {
		obs.Logger().Error("fraudgraph-api stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := obs.Logger()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("close resources", "err", err)
		}
	}()

	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	users := auth.NewDirectory(a.Store, a.Audit)
	created, err := users.EnsureAdmin(ctx, cfg.Auth.BootstrapUser, cfg.Auth.BootstrapPassword)
	if err != nil {
		return err
	}
	if created {
		logger.Info("bootstrap admin created", "username", cfg.Auth.BootstrapUser)
	}

	api := httpapi.New(httpapi.Services{
		Ready:  a.Store,
		Ingest: a.Ingest,
		Rules:  a.Rules,
		Engine: a.Engine,
		Alerts: a.Alerts,
		Query:  a.Query,
		Users:  users,
		Tokens: tokens,
		Logs:   a.Logs,
		Hub:    a.Hub,
	}, httpapi.Options{
		Version:       version,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		RatePerSecond: cfg.Rate.PerSecond,
		RateBurst:     cfg.Rate.Burst,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting fraudgraph-api", "version", version, "addr", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if cfg.Detection.Interval > 0 {
			logger.Info("periodic detection enabled", "interval", cfg.Detection.Interval.String())
		}
		return a.Engine.Every(gctx, cfg.Detection.Interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
