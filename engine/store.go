package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
)

// Per-lead bulk enrollment results
const (
	EnrollResultEnrolled        = "enrolled"
	EnrollResultAlreadyEnrolled = "already_enrolled"
	EnrollResultSuppressed      = "suppressed"
	EnrollResultInvalidContact  = "invalid_contact"
)

// EnrollResult reports the outcome of one lead within a bulk enrollment.
type EnrollResult struct {
	LeadID       uint   `json:"lead_id"`
	Result       string `json:"result"`
	EnrollmentID uint   `json:"enrollment_id,omitempty"`
}

// EnrollmentStore is the durable record of each lead's position in a
// sequence. It owns every enrollment lifecycle transition except step
// advancement, which belongs to the executor.
type EnrollmentStore struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Recorder *Recorder
}

func NewEnrollmentStore(db *gorm.DB, logger *logrus.Logger, recorder *Recorder) *EnrollmentStore {
	return &EnrollmentStore{DB: db, Logger: logger, Recorder: recorder}
}

// LoadSequence fetches a sequence with its steps and builds the step graph.
func (s *EnrollmentStore) LoadSequence(ctx context.Context, sequenceID uint) (*models.Sequence, *StepGraph, error) {
	var seq models.Sequence
	if err := s.DB.WithContext(ctx).Preload("Steps").First(&seq, sequenceID).Error; err != nil {
		return nil, nil, fmt.Errorf("load sequence %d: %w", sequenceID, err)
	}
	return &seq, NewStepGraph(seq.Steps), nil
}

// GetEnrollment fetches one enrollment by ID.
func (s *EnrollmentStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.DB.WithContext(ctx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Enroll creates an active enrollment for the lead, due at now plus the
// first active step's cumulative delay. Fails with ErrAlreadyEnrolled when
// an active or paused enrollment for the pair already exists.
func (s *EnrollmentStore) Enroll(ctx context.Context, sequenceID, leadID uint) (*models.Enrollment, error) {
	seq, graph, err := s.LoadSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, ErrSequenceNotActive
	}

	// Lead lookup is scoped to the sequence's workspace; a lead from
	// another workspace is indistinguishable from a missing one.
	var lead models.Lead
	if err := s.DB.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", leadID, seq.WorkspaceID).
		First(&lead).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}
	if lead.IsSuppressed() {
		return nil, ErrLeadSuppressed
	}

	return s.enrollTx(ctx, seq, graph, &lead)
}

// enrollTx inserts the enrollment and its enrolled event in one
// transaction. The partial unique index on open (sequence, lead) pairs is
// the backstop for races the pre-check cannot see.
func (s *EnrollmentStore) enrollTx(ctx context.Context, seq *models.Sequence, graph *StepGraph, lead *models.Lead) (*models.Enrollment, error) {
	now := time.Now().UTC()
	enrollment := models.Enrollment{
		SequenceID:  seq.ID,
		LeadID:      lead.ID,
		WorkspaceID: seq.WorkspaceID,
		Status:      models.EnrollmentStatusActive,
		EnrolledAt:  now,
	}

	firstStep, offset, ok := graph.First()
	if ok {
		due := now.Add(offset)
		enrollment.NextDueAt = &due
		pos := firstStep.Position
		enrollment.NextStepPosition = &pos
	} else {
		// No active steps to run; the enrollment completes immediately.
		enrollment.Status = models.EnrollmentStatusCompleted
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Enrollment{}).
			Where("sequence_id = ? AND lead_id = ? AND status IN ?",
				seq.ID, lead.ID, []string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyEnrolled
		}

		if err := tx.Create(&enrollment).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyEnrolled
			}
			return err
		}

		payload := map[string]any{"lead_id": lead.ID}
		if ok {
			payload["first_step_position"] = firstStep.Position
			payload["next_due_at"] = enrollment.NextDueAt
		}
		if err := s.Recorder.Record(tx, seq.ID, &enrollment.ID, models.EventEnrolled, payload); err != nil {
			return err
		}
		if !ok {
			return s.Recorder.Record(tx, seq.ID, &enrollment.ID, models.EventCompleted, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// BulkEnroll enrolls each lead independently and reports a per-lead
// result; one bad lead never fails the batch. Lead rows and open
// enrollments are fetched in single batch queries up front.
func (s *EnrollmentStore) BulkEnroll(ctx context.Context, sequenceID uint, leadIDs []uint) ([]EnrollResult, error) {
	seq, graph, err := s.LoadSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, ErrSequenceNotActive
	}

	// Workspace scoping: leads from other workspaces drop out of the batch
	// lookup and are accounted as invalid_contact below.
	var leads []models.Lead
	if err := s.DB.WithContext(ctx).
		Where("id IN ? AND workspace_id = ?", leadIDs, seq.WorkspaceID).
		Find(&leads).Error; err != nil {
		return nil, err
	}
	leadByID := make(map[uint]*models.Lead, len(leads))
	for i := range leads {
		leadByID[leads[i].ID] = &leads[i]
	}

	var open []models.Enrollment
	if err := s.DB.WithContext(ctx).
		Where("sequence_id = ? AND lead_id IN ? AND status IN ?",
			sequenceID, leadIDs, []string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Find(&open).Error; err != nil {
		return nil, err
	}
	alreadyOpen := make(map[uint]bool, len(open))
	for i := range open {
		alreadyOpen[open[i].LeadID] = true
	}

	results := make([]EnrollResult, 0, len(leadIDs))
	for _, leadID := range leadIDs {
		lead, found := leadByID[leadID]
		switch {
		case !found:
			results = append(results, EnrollResult{LeadID: leadID, Result: EnrollResultInvalidContact})
		case checkmail.ValidateFormat(lead.Email) != nil:
			results = append(results, EnrollResult{LeadID: leadID, Result: EnrollResultInvalidContact})
		case lead.IsSuppressed():
			results = append(results, EnrollResult{LeadID: leadID, Result: EnrollResultSuppressed})
		case alreadyOpen[leadID]:
			results = append(results, EnrollResult{LeadID: leadID, Result: EnrollResultAlreadyEnrolled})
		default:
			enrollment, err := s.enrollTx(ctx, seq, graph, lead)
			if errors.Is(err, ErrAlreadyEnrolled) {
				results = append(results, EnrollResult{LeadID: leadID, Result: EnrollResultAlreadyEnrolled})
				continue
			}
			if err != nil {
				return results, fmt.Errorf("bulk enroll lead %d: %w", leadID, err)
			}
			alreadyOpen[leadID] = true // duplicate IDs within one batch
			results = append(results, EnrollResult{
				LeadID:       leadID,
				Result:       EnrollResultEnrolled,
				EnrollmentID: enrollment.ID,
			})
		}
	}
	return results, nil
}

// Pause suspends an active enrollment. The pending wait is captured as a
// remaining offset so resume recomputes an absolute due time rather than
// reusing a stale timestamp.
func (s *EnrollmentStore) Pause(ctx context.Context, id uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&enrollment, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEnrollmentNotFound
			}
			return err
		}
		if enrollment.Status != models.EnrollmentStatusActive {
			return ErrInvalidTransition
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":            models.EnrollmentStatusPaused,
			"next_due_at":       nil,
			"remaining_seconds": nil,
		}
		if enrollment.NextDueAt != nil {
			remaining := int64(enrollment.NextDueAt.Sub(now).Seconds())
			if remaining < 0 {
				remaining = 0
			}
			updates["remaining_seconds"] = remaining
		}

		res := tx.Model(&enrollment).
			Where("status = ?", models.EnrollmentStatusActive).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return s.Recorder.Record(tx, enrollment.SequenceID, &enrollment.ID, models.EventPaused, nil)
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnrollment(ctx, id)
}

// Resume reactivates a paused enrollment with next_due_at set to now plus
// the remaining offset captured at pause time.
func (s *EnrollmentStore) Resume(ctx context.Context, id uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&enrollment, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEnrollmentNotFound
			}
			return err
		}
		if enrollment.Status != models.EnrollmentStatusPaused {
			return ErrInvalidTransition
		}

		updates := map[string]interface{}{
			"status":            models.EnrollmentStatusActive,
			"remaining_seconds": nil,
			"next_due_at":       nil,
		}
		if enrollment.RemainingSeconds != nil {
			due := time.Now().UTC().Add(time.Duration(*enrollment.RemainingSeconds) * time.Second)
			updates["next_due_at"] = due
		}

		res := tx.Model(&enrollment).
			Where("status = ?", models.EnrollmentStatusPaused).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return s.Recorder.Record(tx, enrollment.SequenceID, &enrollment.ID, models.EventResumed, nil)
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnrollment(ctx, id)
}

// Stop terminates an active or paused enrollment. Stopping an already
// stopped enrollment is a no-op with the same outcome; stopping a
// completed or failed one is an invalid transition.
func (s *EnrollmentStore) Stop(ctx context.Context, id uint, reason, details string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&enrollment, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEnrollmentNotFound
			}
			return err
		}
		if enrollment.Status == models.EnrollmentStatusStopped {
			return nil // idempotent
		}
		if enrollment.IsTerminal() {
			return ErrInvalidTransition
		}

		now := time.Now().UTC()
		res := tx.Model(&enrollment).
			Where("status IN ?", []string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
			Updates(map[string]interface{}{
				"status":            models.EnrollmentStatusStopped,
				"stopped_at":        now,
				"stop_reason":       reason,
				"stop_details":      details,
				"next_due_at":       nil,
				"remaining_seconds": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return s.Recorder.Record(tx, enrollment.SequenceID, &enrollment.ID, models.EventStopped, map[string]any{
			"reason":  reason,
			"details": details,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnrollment(ctx, id)
}

// Delete removes an enrollment and its history regardless of status. This
// is an administrative destructive action, logged but not journaled as a
// lifecycle event.
func (s *EnrollmentStore) Delete(ctx context.Context, id uint) error {
	enrollment, err := s.GetEnrollment(ctx, id)
	if err != nil {
		return err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("enrollment_id = ?", id).Delete(&models.StepExecution{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("enrollment_id = ?", id).Delete(&models.EnrollmentEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("enrollment_id = ?", id).Delete(&models.StepClaim{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&models.Enrollment{}, id).Error
	})
	if err != nil {
		return err
	}

	s.Logger.WithFields(logrus.Fields{
		"enrollment_id": id,
		"sequence_id":   enrollment.SequenceID,
		"lead_id":       enrollment.LeadID,
	}).Info("enrollment deleted")
	return nil
}

// ListEnrollments returns a page of a sequence's enrollments, optionally
// filtered by status, newest first.
func (s *EnrollmentStore) ListEnrollments(ctx context.Context, sequenceID uint, status string, limit, offset int) ([]models.Enrollment, int64, error) {
	query := s.DB.WithContext(ctx).Model(&models.Enrollment{}).Where("sequence_id = ?", sequenceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var enrollments []models.Enrollment
	if limit <= 0 {
		limit = 50
	}
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&enrollments).Error
	return enrollments, total, err
}

// ListExecutions returns an enrollment's execution history, oldest first.
func (s *EnrollmentStore) ListExecutions(ctx context.Context, enrollmentID uint) ([]models.StepExecution, error) {
	var executions []models.StepExecution
	err := s.DB.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("started_at ASC, id ASC").
		Find(&executions).Error
	return executions, err
}

// ListEvents returns journal entries for a sequence, or for one enrollment
// when enrollmentID is non-nil, oldest first.
func (s *EnrollmentStore) ListEvents(ctx context.Context, sequenceID uint, enrollmentID *uint, limit, offset int) ([]models.EnrollmentEvent, error) {
	query := s.DB.WithContext(ctx).Where("sequence_id = ?", sequenceID)
	if enrollmentID != nil {
		query = query.Where("enrollment_id = ?", *enrollmentID)
	}
	if limit <= 0 {
		limit = 100
	}

	var events []models.EnrollmentEvent
	err := query.Order("occurred_at ASC, id ASC").Limit(limit).Offset(offset).Find(&events).Error
	return events, err
}

// SuppressionChecker is the external, authoritative signal that a contact
// must not receive further messages.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, leadID uint) (bool, error)
}

// LeadSuppressionChecker reads the suppression flags from the leads table.
type LeadSuppressionChecker struct {
	DB *gorm.DB
}

func (c *LeadSuppressionChecker) IsSuppressed(ctx context.Context, leadID uint) (bool, error) {
	var lead models.Lead
	if err := c.DB.WithContext(ctx).Select("is_bounced", "is_unsubscribed", "is_do_not_contact").
		First(&lead, leadID).Error; err != nil {
		return false, err
	}
	return lead.IsSuppressed(), nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
