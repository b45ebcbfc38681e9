package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"threadsync/api/internal/app"
	"threadsync/api/internal/authpw"
	"threadsync/api/internal/config"
	"threadsync/api/internal/remote"
	"threadsync/api/internal/session"
	"threadsync/api/internal/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overriding http.addr",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			if addr := c.String("addr"); addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(c.Context, cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connector, closeConnector, err := buildConnector(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeConnector()

	sessions, err := session.NewRedisStore(cfg.Redis.URL, cfg.Auth.SessionTokenKey())
	if err != nil {
		return err
	}
	defer sessions.Close()

	service := app.NewService(connector, sessions, app.Options{
		ProviderKind: cfg.Provider.Kind,
		JWTSecret:    cfg.Auth.JWTSecret,
		SessionTTL:   cfg.Auth.SessionTTL,
		PageSize:     cfg.Engine.PageSize,
		NoticeLimit:  cfg.Engine.NoticeLimit,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.NewHTTPServer(service, cfg.HTTP.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("provider", cfg.Provider.Kind).Msg("threadsync API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildConnector returns the connector for the configured provider and a
// cleanup func for whatever it opened.
func buildConnector(ctx context.Context, cfg config.Config, logger zerolog.Logger) (remote.Connector, func(), error) {
	switch cfg.Provider.Kind {
	case config.ProviderPostgres:
		db, err := store.Open(ctx, store.DBOptions{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
		if err != nil {
			return nil, nil, err
		}
		if _, err := store.ApplyMigrations(ctx, db, cfg.Database.MigrationsDir, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		threads := store.NewPostgresStore(db)
		connector := store.Connector{
			Store:       threads,
			Accounts:    authpw.NewService(threads, cfg.Auth.BcryptCost),
			SubtreeSize: cfg.Engine.SubtreeSize,
		}
		return connector, func() { _ = db.Close() }, nil
	default:
		connector := remote.GitHubConnector{Options: remote.GitHubOptions{
			Endpoint:          cfg.GitHub.Endpoint,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
			Timeout:           cfg.GitHub.Timeout,
			SubtreeSize:       cfg.Engine.SubtreeSize,
			Logger:            logger,
		}}
		return connector, func() {}, nil
	}
}
