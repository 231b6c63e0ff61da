package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/repository"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Download{}, &models.HistoryEntry{}))
	return db
}

type fixedSettings struct {
	s *models.AppSettings
}

func (f *fixedSettings) Get(context.Context) (*models.AppSettings, error) {
	return f.s, nil
}

func newSweeper(t *testing.T, db *gorm.DB, s *models.AppSettings) *Sweeper {
	t.Helper()
	if s == nil {
		s = models.DefaultSettings()
	}
	sw, err := NewSweeper(
		repository.NewDownloadRepository(db),
		repository.NewHistoryRepository(db),
		&fixedSettings{s: s},
		config.DownloadsConfig{ActiveRetention: 30 * time.Second, SweepCron: "0 0 3 * * *"},
		nil,
	)
	require.NoError(t, err)
	return sw
}

func addHistory(t *testing.T, db *gorm.DB, id string, completedAt time.Time) {
	t.Helper()
	repo := repository.NewHistoryRepository(db)
	require.NoError(t, repo.Add(context.Background(), &models.HistoryEntry{
		DownloadID:  id,
		Status:      string(models.DownloadStatusCompleted),
		CompletedAt: completedAt,
	}))
}

func TestSweepRemovesExpiredHistory(t *testing.T) {
	db := setupTestDB(t)
	settings := models.DefaultSettings()
	settings.HistoryAutoRemoveInterval = 30

	addHistory(t, db, "old", time.Now().AddDate(0, 0, -40))
	addHistory(t, db, "fresh", time.Now().AddDate(0, 0, -5))

	newSweeper(t, db, settings).Sweep(context.Background())

	list, err := repository.NewHistoryRepository(db).List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].DownloadID)
}

func TestSweepEnforcesSizeCap(t *testing.T) {
	db := setupTestDB(t)
	settings := models.DefaultSettings()
	settings.MaxHistorySize = 3

	for i := 0; i < 6; i++ {
		addHistory(t, db, "h", time.Now().Add(-time.Duration(i)*time.Hour))
	}

	newSweeper(t, db, settings).Sweep(context.Background())

	n, err := repository.NewHistoryRepository(db).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSweepPrunesStaleSnapshots(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewDownloadRepository(db)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(context.Background(), &models.Download{
		DownloadID: "done", Status: models.DownloadStatusCompleted,
		StartedAt: old, FinishedAt: &old,
	}))
	require.NoError(t, repo.Create(context.Background(), &models.Download{
		DownloadID: "running", Status: models.DownloadStatusDownloading,
		StartedAt: old,
	}))

	newSweeper(t, db, nil).Sweep(context.Background())

	_, err := repo.GetByDownloadID(context.Background(), "done")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// Non-terminal snapshots are never swept.
	_, err = repo.GetByDownloadID(context.Background(), "running")
	assert.NoError(t, err)
}

func TestInvalidScheduleRejected(t *testing.T) {
	db := setupTestDB(t)
	_, err := NewSweeper(
		repository.NewDownloadRepository(db),
		repository.NewHistoryRepository(db),
		&fixedSettings{s: models.DefaultSettings()},
		config.DownloadsConfig{SweepCron: "not a cron"},
		nil,
	)
	assert.Error(t, err)
}
