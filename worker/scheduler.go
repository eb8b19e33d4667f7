package worker

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/engine"
	"dripflow/models"
)

// Scheduler periodically sweeps for enrollments whose next step is due and
// hands claimed candidates to the executor. Multiple scheduler instances
// may run in parallel; the claim table is the only mutual exclusion, so a
// lost claim is skipped, never an error. The sweep is safe after arbitrary
// downtime: overdue backlog is processed in due-time order, oldest first.
type Scheduler struct {
	DB       *gorm.DB
	Store    *engine.EnrollmentStore
	Claims   engine.ClaimTable
	Executor *engine.Executor
	Logger   *logrus.Logger

	Interval  time.Duration
	ClaimTTL  time.Duration
	BatchSize int
}

func NewScheduler(db *gorm.DB, store *engine.EnrollmentStore, claims engine.ClaimTable, executor *engine.Executor, logger *logrus.Logger, interval, claimTTL time.Duration, batchSize int) *Scheduler {
	return &Scheduler{
		DB:        db,
		Store:     store,
		Claims:    claims,
		Executor:  executor,
		Logger:    logger,
		Interval:  interval,
		ClaimTTL:  claimTTL,
		BatchSize: batchSize,
	}
}

func (sw *Scheduler) Start(ctx context.Context) {
	sw.Logger.WithField("component", "scheduler").
		WithField("interval", sw.Interval).
		Info("step scheduler started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.WithField("component", "scheduler").Info("step scheduler shutting down")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

type sequenceGraph struct {
	seq   *models.Sequence
	graph *engine.StepGraph
}

// Sweep runs one scheduling pass. Exported so tests and on-demand triggers
// can drive it without the ticker.
func (sw *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	var due []models.Enrollment
	err := sw.DB.WithContext(ctx).
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id").
		Where("enrollments.status = ?", models.EnrollmentStatusActive).
		Where("enrollments.next_due_at IS NOT NULL AND enrollments.next_due_at <= ?", now).
		Where("sequences.status = ? AND sequences.deleted_at IS NULL", models.SequenceStatusActive).
		Order("enrollments.next_due_at ASC").
		Limit(sw.BatchSize).
		Find(&due).Error
	if err != nil {
		sw.Logger.WithError(err).Error("sweep: failed to select due enrollments")
		sentry.CaptureException(err)
		return
	}

	graphs := make(map[uint]*sequenceGraph)
	for i := range due {
		if err := sw.processCandidate(ctx, &due[i], graphs); err != nil {
			sw.Logger.WithError(err).WithField("enrollment_id", due[i].ID).
				Error("sweep: failed to process enrollment")
			sentry.CaptureException(err)
		}
	}
}

func (sw *Scheduler) processCandidate(ctx context.Context, enrollment *models.Enrollment, graphs map[uint]*sequenceGraph) error {
	sg, ok := graphs[enrollment.SequenceID]
	if !ok {
		seq, graph, err := sw.Store.LoadSequence(ctx, enrollment.SequenceID)
		if err != nil {
			return err
		}
		sg = &sequenceGraph{seq: seq, graph: graph}
		graphs[enrollment.SequenceID] = sg
	}

	if enrollment.NextStepPosition == nil {
		sw.Logger.WithField("enrollment_id", enrollment.ID).
			Warn("sweep: due enrollment without a pending step position")
		return nil
	}

	step, _, hasStep := sg.graph.NextFrom(*enrollment.NextStepPosition)

	token, err := sw.Claims.TryClaim(ctx, enrollment.ID, claimStepID(step), sw.ClaimTTL)
	if errors.Is(err, engine.ErrAlreadyClaimed) {
		return nil // another sweep instance owns it
	}
	if err != nil {
		return err
	}

	if !hasStep {
		// Every remaining step was disabled since scheduling; the graph is
		// exhausted and the enrollment completes.
		defer sw.Claims.Release(ctx, token)
		return sw.completeExhausted(ctx, sg.seq, enrollment)
	}

	if step.Position != *enrollment.NextStepPosition {
		// The scheduled step was disabled or removed; push the due time out
		// by the delays between the old target and the new one and try
		// again on a later sweep.
		defer sw.Claims.Release(ctx, token)
		return sw.reschedule(ctx, sg.graph, enrollment, step)
	}

	return sw.Executor.ExecuteClaimed(ctx, sg.seq, sg.graph, enrollment.ID, step, token)
}

func (sw *Scheduler) completeExhausted(ctx context.Context, seq *models.Sequence, enrollment *models.Enrollment) error {
	return sw.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
			Updates(map[string]interface{}{
				"status":             models.EnrollmentStatusCompleted,
				"next_due_at":        nil,
				"next_step_position": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return sw.Store.Recorder.Record(tx, seq.ID, &enrollment.ID, models.EventCompleted, nil)
	})
}

func (sw *Scheduler) reschedule(ctx context.Context, graph *engine.StepGraph, enrollment *models.Enrollment, step *models.SequenceStep) error {
	// The recorded due time already covers the disabled step's delay; the
	// extra wait is the cumulative offset from the old target to the next
	// active step.
	_, extra, ok := graph.NextAfter(*enrollment.NextStepPosition)
	if !ok {
		return nil
	}
	newDue := enrollment.NextDueAt.Add(extra)

	res := sw.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"next_due_at":        newDue,
			"next_step_position": step.Position,
		})
	return res.Error
}

func claimStepID(step *models.SequenceStep) uint {
	if step == nil {
		return 0
	}
	return step.ID
}
