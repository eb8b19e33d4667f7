package engine

import (
	"sort"
	"time"

	"dripflow/models"
)

// StepGraph is an immutable view over one sequence version's ordered
// steps. It computes the next due step for a given pointer position,
// folding the delays of disabled steps into the following active step's
// wait window.
type StepGraph struct {
	steps []models.SequenceStep // sorted by position ascending
}

// NewStepGraph builds a graph from a sequence's steps. The input slice is
// copied and sorted; the graph never mutates it.
func NewStepGraph(steps []models.SequenceStep) *StepGraph {
	sorted := make([]models.SequenceStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return &StepGraph{steps: sorted}
}

// Validate rejects structurally broken sequences before they can be
// scheduled: duplicate positions, negative delays, condition steps with no
// branch, and branches that do not point forward at an existing position.
// Forward-only branches keep the enrollment pointer monotonic.
func (g *StepGraph) Validate() error {
	positions := make(map[int]bool, len(g.steps))
	for i := range g.steps {
		s := &g.steps[i]
		if s.Position <= 0 {
			return validationErrorf("step position must be positive, got %d", s.Position)
		}
		if positions[s.Position] {
			return validationErrorf("duplicate step position %d", s.Position)
		}
		positions[s.Position] = true
		if s.DelaySeconds < 0 {
			return validationErrorf("step %d has negative delay", s.Position)
		}
		switch s.Kind {
		case models.StepKindSendMessage:
			if s.TemplateID == nil && s.Body == "" {
				return validationErrorf("send step %d has no template or body", s.Position)
			}
		case models.StepKindWait:
		case models.StepKindCondition:
			if s.ConditionExpr == "" {
				return validationErrorf("condition step %d has no expression", s.Position)
			}
			if s.TrueBranchPos == nil && s.FalseBranchPos == nil {
				return validationErrorf("condition step %d has no branches", s.Position)
			}
		default:
			return validationErrorf("step %d has unknown kind %q", s.Position, s.Kind)
		}
	}
	for i := range g.steps {
		s := &g.steps[i]
		if s.Kind != models.StepKindCondition {
			continue
		}
		for _, branch := range []*int{s.TrueBranchPos, s.FalseBranchPos} {
			if branch == nil {
				continue
			}
			if *branch <= s.Position {
				return validationErrorf("condition step %d branch must point forward, got %d", s.Position, *branch)
			}
			if !positions[*branch] {
				return validationErrorf("condition step %d branch targets missing position %d", s.Position, *branch)
			}
		}
	}
	return nil
}

// First returns the first active step and its due offset from enrollment
// time. Delays of disabled leading steps are included in the offset.
// ok is false when the sequence has no active steps.
func (g *StepGraph) First() (step *models.SequenceStep, offset time.Duration, ok bool) {
	return g.nextFrom(0, true)
}

// NextAfter returns the next active step strictly after pos and its
// cumulative due offset from the completion of the step at pos.
// ok is false when the sequence is exhausted.
func (g *StepGraph) NextAfter(pos int) (step *models.SequenceStep, offset time.Duration, ok bool) {
	return g.nextFrom(pos, true)
}

// NextFrom returns the first active step at or after pos, used when a
// condition branch jumps to an explicit position. If the target itself is
// disabled the scan continues forward, accumulating delays.
func (g *StepGraph) NextFrom(pos int) (step *models.SequenceStep, offset time.Duration, ok bool) {
	return g.nextFrom(pos, false)
}

func (g *StepGraph) nextFrom(pos int, exclusive bool) (*models.SequenceStep, time.Duration, bool) {
	var accumulated time.Duration
	for i := range g.steps {
		s := &g.steps[i]
		if s.Position < pos || (exclusive && s.Position == pos) {
			continue
		}
		accumulated += time.Duration(s.DelaySeconds) * time.Second
		if s.IsActive {
			return s, accumulated, true
		}
		// Disabled step: transparent, but its delay stays in the window.
	}
	return nil, 0, false
}

// StepByID looks a step up by its identity. Execution history references
// step IDs, so this mapping survives any renumbering of positions.
func (g *StepGraph) StepByID(id uint) *models.SequenceStep {
	for i := range g.steps {
		if g.steps[i].ID == id {
			return &g.steps[i]
		}
	}
	return nil
}
