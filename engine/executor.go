package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
)

// Mailer is the render+send collaborator. It renders the step's payload
// for the lead and dispatches it, classifying failures as transient or
// permanent via SendError; the engine trusts that classification and does
// not retry at the transport layer.
type Mailer interface {
	Send(ctx context.Context, step *models.SequenceStep, lead *models.Lead) (messageID string, err error)
}

// Executor performs the effect of a claimed due step and advances or
// terminates the enrollment. It must be safely re-runnable for a given
// step: a crashed run leaves no pointer movement, so the next sweep
// re-claims and re-attempts after lease expiry.
type Executor struct {
	Store       *EnrollmentStore
	Claims      ClaimTable
	Mailer      Mailer
	Suppression SuppressionChecker
	Evaluator   *ConditionEvaluator
	Logger      *logrus.Logger
}

func NewExecutor(store *EnrollmentStore, claims ClaimTable, mailer Mailer, suppression SuppressionChecker, logger *logrus.Logger) *Executor {
	return &Executor{
		Store:       store,
		Claims:      claims,
		Mailer:      mailer,
		Suppression: suppression,
		Evaluator:   NewConditionEvaluator(),
		Logger:      logger,
	}
}

// ExecuteClaimed runs one due step under an already-acquired claim. The
// claim is released as the very last action on every branch, so no
// enrollment can remain invisibly locked beyond lease expiry.
func (ex *Executor) ExecuteClaimed(ctx context.Context, seq *models.Sequence, graph *StepGraph, enrollmentID uint, step *models.SequenceStep, token string) error {
	defer func() {
		if err := ex.Claims.Release(ctx, token); err != nil {
			ex.Logger.WithError(err).WithField("enrollment_id", enrollmentID).
				Warn("failed to release claim; lease will expire on its own")
		}
	}()

	// A stop or pause may have landed between selection and claim; it wins.
	enrollment, err := ex.Store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		ex.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollmentID,
			"status":        enrollment.Status,
		}).Debug("enrollment no longer active, skipping step")
		return nil
	}

	started := time.Now().UTC()

	// A concurrent sweep may have executed this step between our selection
	// and our claim. The handed-off step runs only while it is still the
	// pending due step; anything else is a stale handoff and is dropped.
	if enrollment.NextStepPosition == nil || *enrollment.NextStepPosition != step.Position ||
		enrollment.NextDueAt == nil || enrollment.NextDueAt.After(started) {
		ex.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollmentID,
			"step_position": step.Position,
		}).Debug("step no longer pending, skipping stale handoff")
		return nil
	}

	attempt := enrollment.AttemptCount + 1

	switch step.Kind {
	case models.StepKindSendMessage:
		suppressed, err := ex.Suppression.IsSuppressed(ctx, enrollment.LeadID)
		if err != nil {
			// Fallible collaborator: leave the enrollment untouched and let
			// a later sweep retry the whole step.
			return fmt.Errorf("suppression check for lead %d: %w", enrollment.LeadID, err)
		}
		if suppressed {
			_, err := ex.Store.Stop(ctx, enrollment.ID, models.StopReasonSuppressed, "suppression check before send")
			return err
		}

		lead, err := ex.loadLead(ctx, enrollment.LeadID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ex.recordFailure(ctx, seq, enrollment, step, attempt, started,
					NewPermanentSendError(fmt.Errorf("lead %d no longer exists", enrollment.LeadID)))
			}
			return err
		}

		messageID, err := ex.Mailer.Send(ctx, step, lead)
		if err != nil {
			return ex.recordFailure(ctx, seq, enrollment, step, attempt, started, err)
		}
		return ex.advance(ctx, seq, graph, enrollment, step, nil, attempt, started,
			fmt.Sprintf("message_id=%s", messageID))

	case models.StepKindWait:
		return ex.advance(ctx, seq, graph, enrollment, step, nil, attempt, started, "")

	case models.StepKindCondition:
		lead, err := ex.loadLead(ctx, enrollment.LeadID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ex.recordFailure(ctx, seq, enrollment, step, attempt, started,
					NewPermanentSendError(fmt.Errorf("lead %d no longer exists", enrollment.LeadID)))
			}
			return err
		}
		result, err := ex.Evaluator.Evaluate(step.ConditionExpr, lead)
		if err != nil {
			return ex.recordFailure(ctx, seq, enrollment, step, attempt, started,
				NewTransientSendError(err))
		}
		var branch *int
		if result {
			branch = step.TrueBranchPos
		} else {
			branch = step.FalseBranchPos
		}
		detail := fmt.Sprintf("condition=%t", result)
		return ex.advance(ctx, seq, graph, enrollment, step, branch, attempt, started, detail)

	default:
		// Unknown kinds are rejected at validation; reaching one here means
		// the row was corrupted after definition.
		return ex.recordFailure(ctx, seq, enrollment, step, attempt, started,
			NewPermanentSendError(fmt.Errorf("unknown step kind %q", step.Kind)))
	}
}

func (ex *Executor) loadLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	var lead models.Lead
	if err := ex.Store.DB.WithContext(ctx).First(&lead, leadID).Error; err != nil {
		return nil, err
	}
	return &lead, nil
}

// advance finalizes a successful execution: one success row, pointer
// moved, next due time computed (or the enrollment completed when the
// graph is exhausted). A condition branch overrides the sequential
// continuation position; branches are forward-only so the pointer stays
// monotonic.
func (ex *Executor) advance(ctx context.Context, seq *models.Sequence, graph *StepGraph, enrollment *models.Enrollment, step *models.SequenceStep, branch *int, attempt int, started time.Time, detail string) error {
	now := time.Now().UTC()

	var nextStep *models.SequenceStep
	var offset time.Duration
	var hasNext bool
	if branch != nil {
		nextStep, offset, hasNext = graph.NextFrom(*branch)
	} else {
		nextStep, offset, hasNext = graph.NextAfter(step.Position)
	}

	return ex.Store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		execution := models.StepExecution{
			EnrollmentID: enrollment.ID,
			StepID:       step.ID,
			Attempt:      attempt,
			Outcome:      models.OutcomeSuccess,
			StartedAt:    started,
			FinishedAt:   now,
			Detail:       detail,
		}
		if err := tx.Create(&execution).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"current_step_position": step.Position,
			"attempt_count":         0,
		}
		if hasNext {
			updates["next_due_at"] = now.Add(offset)
			updates["next_step_position"] = nextStep.Position
		} else {
			updates["next_due_at"] = nil
			updates["next_step_position"] = nil
			updates["status"] = models.EnrollmentStatusCompleted
		}

		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		payload := map[string]any{
			"step_id":  step.ID,
			"position": step.Position,
			"attempt":  attempt,
			"outcome":  models.OutcomeSuccess,
		}
		// next_position is journaled only when the pointer actually moved.
		if hasNext && res.RowsAffected > 0 {
			payload["next_position"] = nextStep.Position
		}
		if err := ex.Store.Recorder.Record(tx, seq.ID, &enrollment.ID, models.EventStepExecuted, payload); err != nil {
			return err
		}

		if res.RowsAffected == 0 {
			// Stopped mid-flight after the effect fired. The effect is not
			// rolled back; the pointer simply does not move.
			ex.Logger.WithField("enrollment_id", enrollment.ID).
				Info("enrollment left active state during execution, pointer not advanced")
			return nil
		}
		if !hasNext {
			return ex.Store.Recorder.Record(tx, seq.ID, &enrollment.ID, models.EventCompleted, nil)
		}
		return nil
	})
}

// recordFailure applies the retry policy to a failed effect. Transient
// failures reschedule with backoff until the sequence's retry budget is
// exhausted; permanent failures (or exhaustion) fail the enrollment.
func (ex *Executor) recordFailure(ctx context.Context, seq *models.Sequence, enrollment *models.Enrollment, step *models.SequenceStep, attempt int, started time.Time, sendErr error) error {
	now := time.Now().UTC()
	permanent := IsPermanentSendError(sendErr) || attempt >= seq.MaxRetries

	return ex.Store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome := models.OutcomeTransientFailure
		if permanent {
			outcome = models.OutcomePermanentFailure
		}
		execution := models.StepExecution{
			EnrollmentID: enrollment.ID,
			StepID:       step.ID,
			Attempt:      attempt,
			Outcome:      outcome,
			StartedAt:    started,
			FinishedAt:   now,
			Detail:       sendErr.Error(),
		}
		if err := tx.Create(&execution).Error; err != nil {
			return err
		}

		if !permanent {
			res := tx.Model(&models.Enrollment{}).
				Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
				Updates(map[string]interface{}{
					"attempt_count": attempt,
					"next_due_at":   now.Add(Backoff(seq, attempt)),
				})
			return res.Error
		}

		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
			Updates(map[string]interface{}{
				"status":             models.EnrollmentStatusFailed,
				"next_due_at":        nil,
				"next_step_position": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return ex.Store.Recorder.Record(tx, seq.ID, &enrollment.ID, models.EventEnrollmentFailed, map[string]any{
			"step_id":  step.ID,
			"position": step.Position,
			"attempt":  attempt,
			"error":    sendErr.Error(),
		})
	})
}
