// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles the maestro runtime: storage, registries, the
// configured language-model provider, the conductor, and the HTTP API
// that exposes them.
package daemon

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/maestro-mcp/maestro/internal/config"
	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/pkg/conductor"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm"
	"github.com/maestro-mcp/maestro/pkg/llm/providers"
	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/storage"
	"github.com/maestro-mcp/maestro/pkg/thread"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns the full maestro runtime and its HTTP listener.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	servers *registry.ServerRegistry
	conns   *registry.ConnectionRegistry
	threads *thread.Registry
	cond    *conductor.Conductor

	db     *sql.DB
	server *http.Server
}

// New builds a daemon from configuration. The storage backend is opened
// and the provider constructed eagerly so misconfiguration fails before
// the listener starts.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	logger = log.WithComponent(logger, "daemon")

	stores, db, err := openStores(cfg.Storage)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.ToolCallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.ToolCallsPerSecond), cfg.RateLimit.Burst)
	}

	servers := registry.NewServerRegistry(stores.servers, logger)
	conns := registry.NewConnectionRegistry(stores.connections, servers, limiter, logger)
	threads := thread.NewRegistry(stores.threads, logger)

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		closeDB(db, logger)
		return nil, err
	}

	cond, err := conductor.New(conductor.Config{
		Provider:           provider,
		Connections:        conns,
		Threads:            threads,
		SummarizeThreshold: cfg.Conductor.SummarizeThreshold,
		HistoryLimit:       cfg.Conductor.HistoryLimit,
		Logger:             logger,
	})
	if err != nil {
		closeDB(db, logger)
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		servers: servers,
		conns:   conns,
		threads: threads,
		cond:    cond,
		db:      db,
	}
	d.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           d.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

// Start serves the HTTP API until the context is cancelled or the
// listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("daemon listening",
		"addr", d.cfg.Server.Addr,
		"version", d.opts.Version,
		log.ProviderKey, d.cfg.LLM.Provider,
		"storage", d.cfg.Storage.Backend,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "api server")
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the listener, disconnects all live connections, and
// closes the storage backend.
func (d *Daemon) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "stopping api server"))
	}
	if err := d.conns.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "closing connections"))
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing database"))
		}
	}
	return stderrors.Join(errs...)
}

// stores bundles one backend per registry.
type stores struct {
	servers     storage.Store[registry.Server]
	connections storage.Store[registry.ClientServer]
	threads     storage.Store[thread.Thread]
}

// openStores builds the storage backends. The returned DB is non-nil only
// for the sqlite backend.
func openStores(cfg config.StorageConfig) (stores, *sql.DB, error) {
	switch cfg.Backend {
	case "memory":
		return stores{
			servers:     storage.NewMemory[registry.Server]("server"),
			connections: storage.NewMemory[registry.ClientServer]("connection"),
			threads:     storage.NewMemory[thread.Thread]("thread"),
		}, nil, nil
	case "sqlite":
		db, err := storage.OpenSQLite(storage.SQLiteConfig{Path: cfg.Path, WAL: true})
		if err != nil {
			return stores{}, nil, err
		}
		servers, err := storage.NewSQLite[registry.Server](db, "servers", "server")
		if err != nil {
			db.Close()
			return stores{}, nil, err
		}
		connections, err := storage.NewSQLite[registry.ClientServer](db, "connections", "connection")
		if err != nil {
			db.Close()
			return stores{}, nil, err
		}
		threads, err := storage.NewSQLite[thread.Thread](db, "threads", "thread")
		if err != nil {
			db.Close()
			return stores{}, nil, err
		}
		return stores{servers: servers, connections: connections, threads: threads}, db, nil
	default:
		return stores{}, nil, &errors.ConfigError{
			Key:    "storage.backend",
			Reason: "unknown backend " + cfg.Backend,
		}
	}
}

// buildProvider constructs the configured language-model provider wrapped
// with retries.
func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		var opts []providers.OpenAIOption
		if cfg.BaseURL != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, providers.WithOpenAIModel(cfg.Model))
		}
		provider, err = providers.NewOpenAI(cfg.APIKey(), opts...)
	default:
		var opts []providers.AnthropicOption
		if cfg.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Model))
		}
		provider, err = providers.NewAnthropic(cfg.APIKey(), opts...)
	}
	if err != nil {
		return nil, err
	}

	retryCfg := llm.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	retryCfg.InitialDelay = cfg.RetryBackoffBase
	return llm.NewRetryableProvider(provider, retryCfg), nil
}

func closeDB(db *sql.DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		logger.Warn("closing database", log.Error(err))
	}
}
