// Package app assembles an evalflow runtime from a workspace: database,
// config, logging, metrics, services and the engine.
package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"evalflow/internal/config"
	"evalflow/internal/db"
	"evalflow/internal/engine"
	"evalflow/internal/migrate"
	"evalflow/internal/notify"
	"evalflow/internal/observability"
	"evalflow/internal/services"
	"evalflow/internal/sweep"
)

const serviceTimeout = 60 * time.Second

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/evalflow.yml.
	ConfigPath string
	// Override adjusts the loaded config before it is validated again.
	Override func(*config.Config)
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// Completion replaces the OpenAI client built from config.
	Completion services.Completion
}

type Runtime struct {
	DB       *sql.DB
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Engine   *engine.Engine
}

// LoadConfig reads the workspace config, falling back to defaults when the
// file is absent.
func LoadConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Open creates the workspace if needed, migrates the database and wires the
// engine. Callers must Close the runtime.
func Open(opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: opts.LogOutput,
	})
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	completion := opts.Completion
	if completion == nil {
		if key := cfg.OpenAI.APIKey(); key != "" {
			completion = services.NewOpenAI(key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
		} else {
			logger.Info("no completion API key configured, llm target and judge disabled")
		}
	}
	targets, evaluators := services.Defaults(services.NewHTTPClient(serviceTimeout), completion, cfg.OpenAI.Model)

	e := engine.New(conn, cfg, engine.Deps{
		Targets:    targets,
		Evaluators: evaluators,
		Completion: completion,
		Logger:     logger,
		Metrics:    metrics,
	})
	return &Runtime{DB: conn, Config: cfg, Logger: logger, Registry: reg, Metrics: metrics, Engine: e}, nil
}

func (r *Runtime) Sweeper() *sweep.Sweeper {
	return sweep.New(r.Engine)
}

func (r *Runtime) Webhooks() *notify.Dispatcher {
	return notify.New(r.Engine.Repo, r.Config.Webhooks, r.Logger)
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}
