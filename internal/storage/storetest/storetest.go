// Package storetest gives other packages' tests a real job store backed by
// in-memory sqlite with the production migrations applied.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/storage/postgres"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated private database. It is closed with the test.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, postgres.Migrate(context.Background(), sqlDB, "sqlite3"))
	return db
}

func NewRepository(t testing.TB, opts ...postgres.RepoOption) *postgres.JobRepository {
	t.Helper()
	return postgres.NewJobRepository(Open(t), opts...)
}

// Seed inserts a queued job for sourceID and returns it.
func Seed(t testing.TB, repo *postgres.JobRepository, sourceID string, priority int) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		SourceID:    sourceID,
		Source:      "test",
		Payload:     datatypes.JSON(fmt.Appendf(nil, `{"content":{"@id":"urn:%s"},"source":"test","sourceId":%q,"priority":%d,"privacy":"private","epochs":2,"maxAttempts":3}`, sourceID, sourceID, priority)),
		State:       config.JobStateQueued,
		MaxAttempts: 3,
		Priority:    priority,
	}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}
