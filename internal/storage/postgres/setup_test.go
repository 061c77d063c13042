package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB opens a private in-memory sqlite database with the production
// migrations applied.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent), // Disable logs during tests
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(context.Background(), sqlDB, "sqlite3"))
	return db
}

func newTestJob(sourceID string, state config.JobState, priority int) *models.Job {
	return &models.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		SourceID:    sourceID,
		Source:      "test",
		Payload:     datatypes.JSON([]byte(`{"content":{"@id":"urn:x"},"sourceId":"` + sourceID + `"}`)),
		State:       state,
		MaxAttempts: 3,
		Priority:    priority,
	}
}

// fixedClock is a settable time source shared by the repository and the test.
type fixedClock struct{ t time.Time }

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time { return c.t }

func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
