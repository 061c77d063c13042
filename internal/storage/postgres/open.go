package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Open loads POSTGRES_* settings, connects with retries, applies migrations
// and returns a ready repository plus a func that closes the pool.
func Open(ctx context.Context, log *zap.SugaredLogger, opts ...RepoOption) (*JobRepository, func() error, error) {
	cfg, err := LoadConfigFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}

	db, err := ConnectDB(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("get sql db: %w", err)
	}

	if err := Migrate(ctx, sqlDB, "postgres"); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	log.Infow("database migrations applied")

	return NewJobRepository(db, opts...), sqlDB.Close, nil
}
