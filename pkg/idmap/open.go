package idmap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/database"
)

// Open builds the store selected by cfg.Backend. target is only used by the
// "target" backend.
func Open(ctx context.Context, cfg config.IDMapConfig, target recordstore.RecordStore, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("Identifier map is in memory; mappings are lost when the run ends")
		return NewMemoryStore(), nil

	case "sqlite":
		store, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite id map %s: %w", cfg.Path, err)
		}
		logger.Info("Using sqlite identifier map", zap.String("path", cfg.Path))
		return store, nil

	case "postgres":
		connCfg, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse id map dsn: %w", err)
		}
		if connCfg.Password == "" {
			connCfg.Password = cfg.Password
		}
		// golang-migrate needs database/sql
		sqlDB := stdlib.OpenDB(*connCfg)
		err = database.RunMigrations(sqlDB, logger)
		sqlDB.Close()
		if err != nil {
			return nil, err
		}

		db, err := database.NewConnection(ctx, &database.Config{URL: cfg.DSN, Password: cfg.Password})
		if err != nil {
			return nil, fmt.Errorf("connect id map database: %w", err)
		}
		logger.Info("Using postgres identifier map")
		return NewPostgresStore(db), nil

	case "redis":
		client, err := database.NewRedisClient(ctx, &database.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Using redis identifier map", zap.String("addr", cfg.RedisAddr))
		return NewRedisStore(client, "idmap"), nil

	case "target":
		if target == nil {
			return nil, fmt.Errorf("target backend needs a target store")
		}
		logger.Info("Using target-store identifier map", zap.String("model", cfg.Model))
		return NewTargetStore(target, cfg.Model), nil

	default:
		return nil, fmt.Errorf("unknown id map backend %q", cfg.Backend)
	}
}
