package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
)

func TestEnrollSchedulesFirstStep(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive,
		sendStep(0, 1, 3600, true),
		waitStep(0, 2, 7200, true),
	)
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, 0, enrollment.CurrentStepPosition)
	require.NotNil(t, enrollment.NextStepPosition)
	assert.Equal(t, 1, *enrollment.NextStepPosition)
	require.NotNil(t, enrollment.NextDueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *enrollment.NextDueAt, 5*time.Second)

	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventEnrolled))
}

func TestEnrollFoldsDisabledLeadingDelay(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive,
		waitStep(0, 1, 600, false),
		sendStep(0, 2, 1200, true),
	)
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	require.NotNil(t, enrollment.NextStepPosition)
	assert.Equal(t, 2, *enrollment.NextStepPosition)
	require.NotNil(t, enrollment.NextDueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), *enrollment.NextDueAt, 5*time.Second)
}

func TestEnrollRejectsOpenDuplicate(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	_, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	_, err = store.Enroll(ctx, seq.ID, lead.ID)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestEnrollAgainAfterTerminal(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	first, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)
	_, err = store.Stop(ctx, first.ID, models.StopReasonManual, "")
	require.NoError(t, err)

	second, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEnrollRequiresActiveSequence(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusDraft, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	_, err := store.Enroll(ctx, seq.ID, lead.ID)
	assert.ErrorIs(t, err, ErrSequenceNotActive)
}

func TestEnrollRejectsSuppressedLead(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com", func(l *models.Lead) { l.IsUnsubscribed = true })

	_, err := store.Enroll(ctx, seq.ID, lead.ID)
	assert.ErrorIs(t, err, ErrLeadSuppressed)
}

func TestEnrollUnknownLead(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))

	_, err := store.Enroll(ctx, seq.ID, 9999)
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestEnrollRejectsLeadFromAnotherWorkspace(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	foreign := createLead(t, db, "foreign@example.com", func(l *models.Lead) { l.WorkspaceID = 2 })

	_, err := store.Enroll(ctx, seq.ID, foreign.ID)
	assert.ErrorIs(t, err, ErrLeadNotFound, "leads outside the sequence's workspace are invisible")
}

func TestBulkEnrollSkipsLeadsFromAnotherWorkspace(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	own := createLead(t, db, "own@example.com")
	foreign := createLead(t, db, "foreign@example.com", func(l *models.Lead) { l.WorkspaceID = 2 })

	results, err := store.BulkEnroll(ctx, seq.ID, []uint{own.ID, foreign.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, EnrollResultEnrolled, results[0].Result)
	assert.Equal(t, EnrollResultInvalidContact, results[1].Result)

	var count int64
	require.NoError(t, db.Model(&models.Enrollment{}).
		Where("lead_id = ?", foreign.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEnrollNoActiveStepsCompletesImmediately(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive,
		waitStep(0, 1, 60, false),
		waitStep(0, 2, 60, false),
	)
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)
	assert.Nil(t, enrollment.NextDueAt)
	assert.Nil(t, enrollment.NextStepPosition)
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventCompleted))
}

func TestPauseResumeKeepsRemainingWait(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 3*24*3600, true))
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	// A day has passed since enrollment: two days of the wait remain.
	due := time.Now().UTC().Add(48 * time.Hour)
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Update("next_due_at", due).Error)

	paused, err := store.Pause(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPaused, paused.Status)
	assert.Nil(t, paused.NextDueAt)
	require.NotNil(t, paused.RemainingSeconds)
	assert.InDelta(t, 48*3600, *paused.RemainingSeconds, 5)

	resumed, err := store.Resume(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, resumed.Status)
	assert.Nil(t, resumed.RemainingSeconds)
	require.NotNil(t, resumed.NextDueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(48*time.Hour), *resumed.NextDueAt, 5*time.Second)

	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventPaused))
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventResumed))
}

func TestPauseOverdueClampsToZero(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	overdue := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Update("next_due_at", overdue).Error)

	paused, err := store.Pause(ctx, enrollment.ID)
	require.NoError(t, err)
	require.NotNil(t, paused.RemainingSeconds)
	assert.EqualValues(t, 0, *paused.RemainingSeconds)

	resumed, err := store.Resume(ctx, enrollment.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.NextDueAt)
	assert.WithinDuration(t, time.Now().UTC(), *resumed.NextDueAt, 5*time.Second)
}

func TestPauseResumeTransitionGuards(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	_, err = store.Resume(ctx, enrollment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "resume requires paused")

	_, err = store.Stop(ctx, enrollment.ID, models.StopReasonManual, "")
	require.NoError(t, err)

	_, err = store.Pause(ctx, enrollment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pause requires active")

	_, err = store.Pause(ctx, 9999)
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
}

func TestStopIsIdempotent(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	stopped, err := store.Stop(ctx, enrollment.ID, models.StopReasonManual, "campaign cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusStopped, stopped.Status)
	assert.Equal(t, models.StopReasonManual, stopped.StopReason)
	assert.NotNil(t, stopped.StoppedAt)
	assert.Nil(t, stopped.NextDueAt)

	again, err := store.Stop(ctx, enrollment.ID, models.StopReasonManual, "")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusStopped, again.Status)
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventStopped), "repeat stop records no second event")
}

func TestStopRejectsCompleted(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, waitStep(0, 1, 60, false))
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)

	_, err = store.Stop(ctx, enrollment.ID, models.StopReasonManual, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBulkEnrollAccounting(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))

	good := createLead(t, db, "good@example.com")
	suppressed := createLead(t, db, "unsub@example.com", func(l *models.Lead) { l.IsUnsubscribed = true })
	badEmail := createLead(t, db, "not-an-email")
	existing := createLead(t, db, "existing@example.com")
	_, err := store.Enroll(ctx, seq.ID, existing.ID)
	require.NoError(t, err)

	results, err := store.BulkEnroll(ctx, seq.ID, []uint{
		good.ID, suppressed.ID, badEmail.ID, existing.ID, 9999, good.ID,
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	byLead := map[uint][]string{}
	for _, r := range results {
		byLead[r.LeadID] = append(byLead[r.LeadID], r.Result)
	}
	assert.Equal(t, []string{EnrollResultSuppressed}, byLead[suppressed.ID])
	assert.Equal(t, []string{EnrollResultInvalidContact}, byLead[badEmail.ID])
	assert.Equal(t, []string{EnrollResultAlreadyEnrolled}, byLead[existing.ID])
	assert.Equal(t, []string{EnrollResultInvalidContact}, byLead[9999])
	assert.Equal(t, []string{EnrollResultEnrolled, EnrollResultAlreadyEnrolled}, byLead[good.ID],
		"a lead repeated within one batch enrolls exactly once")

	var enrolled int64
	require.NoError(t, db.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND lead_id = ?", seq.ID, good.ID).
		Count(&enrolled).Error)
	assert.EqualValues(t, 1, enrolled)
}

func TestDeleteRemovesHistory(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	lead := createLead(t, db, "grace@example.com")

	enrollment, err := store.Enroll(ctx, seq.ID, lead.ID)
	require.NoError(t, err)

	execution := models.StepExecution{
		EnrollmentID: enrollment.ID,
		StepID:       seq.Steps[0].ID,
		Attempt:      1,
		Outcome:      models.OutcomeSuccess,
		StartedAt:    time.Now().UTC(),
		FinishedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&execution).Error)

	require.NoError(t, store.Delete(ctx, enrollment.ID))

	_, err = store.GetEnrollment(ctx, enrollment.ID)
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)

	var executions, events int64
	require.NoError(t, db.Model(&models.StepExecution{}).
		Where("enrollment_id = ?", enrollment.ID).Count(&executions).Error)
	require.NoError(t, db.Model(&models.EnrollmentEvent{}).
		Where("enrollment_id = ?", enrollment.ID).Count(&events).Error)
	assert.Zero(t, executions)
	assert.Zero(t, events)

	assert.ErrorIs(t, store.Delete(ctx, enrollment.ID), ErrEnrollmentNotFound)
}

func TestListEnrollmentsFiltersByStatus(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seq := createSequence(t, db, models.SequenceStatusActive, sendStep(0, 1, 0, true))
	a := createLead(t, db, "a@example.com")
	b := createLead(t, db, "b@example.com")

	first, err := store.Enroll(ctx, seq.ID, a.ID)
	require.NoError(t, err)
	_, err = store.Enroll(ctx, seq.ID, b.ID)
	require.NoError(t, err)
	_, err = store.Pause(ctx, first.ID)
	require.NoError(t, err)

	all, total, err := store.ListEnrollments(ctx, seq.ID, "", 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)

	paused, total, err := store.ListEnrollments(ctx, seq.ID, models.EnrollmentStatusPaused, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, paused, 1)
	assert.Equal(t, first.ID, paused[0].ID)
}
