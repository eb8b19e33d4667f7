package engine

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
)

// Recorder appends lifecycle transitions to the enrollment_events journal.
// Every call constructs one immutable row; there is no read-modify-write
// path. Callers pass the handle they are writing with so an event commits
// in the same transaction as the transition it describes.
type Recorder struct {
	Logger *logrus.Logger
}

func NewRecorder(logger *logrus.Logger) *Recorder {
	return &Recorder{Logger: logger}
}

// Record appends one event. enrollmentID is nil for sequence-level events.
func (r *Recorder) Record(db *gorm.DB, sequenceID uint, enrollmentID *uint, kind string, payload map[string]any) error {
	event := models.EnrollmentEvent{
		SequenceID:   sequenceID,
		EnrollmentID: enrollmentID,
		Kind:         kind,
		Payload:      payload,
		OccurredAt:   time.Now().UTC(),
	}
	if err := db.Create(&event).Error; err != nil {
		r.Logger.WithError(err).WithFields(logrus.Fields{
			"sequence_id": sequenceID,
			"kind":        kind,
		}).Error("failed to record enrollment event")
		return err
	}
	return nil
}
