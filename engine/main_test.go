package engine

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"dripflow/config"
	"dripflow/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// One connection, or the pool hands out separate in-memory databases.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) (*EnrollmentStore, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	logger := newTestLogger()
	return NewEnrollmentStore(db, logger, NewRecorder(logger)), db
}

func createSequence(t *testing.T, db *gorm.DB, status string, steps ...models.SequenceStep) *models.Sequence {
	t.Helper()

	seq := models.Sequence{
		WorkspaceID:      1,
		Name:             "Onboarding drip",
		Status:           status,
		MaxRetries:       3,
		RetryBackoff:     models.BackoffExponential,
		RetryBaseSeconds: 300,
	}
	require.NoError(t, db.Create(&seq).Error)

	for i := range steps {
		steps[i].ID = 0
		steps[i].SequenceID = seq.ID
	}
	if len(steps) > 0 {
		require.NoError(t, db.Create(&steps).Error)
	}
	seq.Steps = steps
	return &seq
}

func createLead(t *testing.T, db *gorm.DB, email string, mutate ...func(*models.Lead)) *models.Lead {
	t.Helper()

	lead := models.Lead{
		WorkspaceID: 1,
		Email:       email,
		FirstName:   "Grace",
		LastName:    "Hopper",
	}
	for _, m := range mutate {
		m(&lead)
	}
	require.NoError(t, db.Create(&lead).Error)
	return &lead
}

func countEvents(t *testing.T, db *gorm.DB, enrollmentID uint, kind string) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.EnrollmentEvent{}).
		Where("enrollment_id = ? AND kind = ?", enrollmentID, kind).
		Count(&count).Error)
	return count
}
