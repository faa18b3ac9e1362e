package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"merchantflow/agreement"
	"merchantflow/auth"
	"merchantflow/config"
	"merchantflow/db"
	"merchantflow/events"
	"merchantflow/logging"
	"merchantflow/merchantapi"
	"merchantflow/onboarding"
)

// app carries what every subcommand needs. The pool is opened on first use.
type app struct {
	configPath string

	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Environment, cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	config.Log(logger, cfg)
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) db(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := db.NewPool(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return pool, nil
}

func (a *app) tokens() (*auth.TokenService, error) {
	if a.cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth.secret is required (MERCHANTFLOW_AUTH_SECRET)")
	}
	return auth.NewTokenService(a.cfg.Auth.Secret, a.cfg.Auth.TokenTTL), nil
}

// store is the Postgres server of record. Channel tokens are attached when a
// secret is configured.
func (a *app) store(ctx context.Context) (*merchantapi.PGStore, error) {
	pool, err := a.db(ctx)
	if err != nil {
		return nil, err
	}
	store := merchantapi.NewPGStore(pool)
	if tokens, err := a.tokens(); err == nil {
		store.WithTokens(tokens)
	}
	return store, nil
}

// gateway prefers the REST API when api.base_url is set.
func (a *app) gateway(ctx context.Context) (onboarding.Gateway, error) {
	if a.cfg.API.BaseURL != "" {
		return merchantapi.NewClient(a.cfg.API.BaseURL, a.cfg.API.Token, a.cfg.API.Timeout, a.logger)
	}
	return a.store(ctx)
}

func (a *app) session(ctx context.Context) (*onboarding.Session, error) {
	gw, err := a.gateway(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := a.db(ctx)
	if err != nil {
		return nil, err
	}

	var verifier events.TokenVerifier
	if tokens, err := a.tokens(); err == nil {
		verifier = tokens
	}

	return onboarding.NewSession(onboarding.Config{
		Gateway:     gw,
		Subscriber:  events.NewPGSubscriber(pool, verifier),
		Surface:     agreement.LogSurface{Logger: a.logger},
		EventBuffer: a.cfg.Events.Buffer,
		Options: onboarding.Options{
			SettleDelay: a.cfg.Events.SettleDelay,
			Logger:      a.logger,
		},
	}), nil
}
