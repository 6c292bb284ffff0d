package cli

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/migration"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/transform"
)

// environment is everything a command needs, opened from the config file.
type environment struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	source  recordstore.RecordStore
	target  recordstore.RecordStore
	idmap   idmap.Store
	rules   *transform.Rules
}

// openOptions selects which collaborators a command needs.
type openOptions struct {
	idMap bool
}

func openEnvironment(ctx context.Context, opts *RootOptions, oo openOptions) (env *environment, err error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Version)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.NewLogger(cfg.Env, level)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}

	env = &environment{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	rules, err := transform.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load rules", err)
	}
	env.rules = rules

	env.source, err = recordstore.Open(ctx, cfg.Source.Type, cfg.Source.ToMap(), recordstore.Options{Name: "source", Logger: logger, Metrics: env.metrics})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open source store", err)
	}
	env.target, err = recordstore.Open(ctx, cfg.Target.Type, cfg.Target.ToMap(), recordstore.Options{Name: "target", Logger: logger, Metrics: env.metrics})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open target store", err)
	}

	if oo.idMap {
		env.idmap, err = idmap.Open(ctx, cfg.IDMap, env.target, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open identifier map", err)
		}
	}

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("source", cfg.Source.Type),
		zap.String("target", cfg.Target.Type),
		zap.String("id_map", cfg.IDMap.Backend),
		zap.Int("models", len(cfg.Models)),
		zap.Int("batch_size", cfg.Migration.BatchSize))
	return env, nil
}

func (e *environment) runner() *migration.Runner {
	return migration.NewRunner(migration.Deps{
		Config:  e.cfg,
		Source:  e.source,
		Target:  e.target,
		IDMap:   e.idmap,
		Rules:   e.rules,
		Logger:  e.logger,
		Metrics: e.metrics,
	})
}

// Close releases stores in reverse order of opening.
func (e *environment) Close() error {
	var errs []error
	if e.idmap != nil {
		errs = append(errs, e.idmap.Close())
	}
	if e.target != nil {
		errs = append(errs, e.target.Close())
	}
	if e.source != nil {
		errs = append(errs, e.source.Close())
	}
	_ = e.logger.Sync()
	return errors.Join(errs...)
}
