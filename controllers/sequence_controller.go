package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/engine"
	"dripflow/models"
	"dripflow/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, logger *logrus.Logger) *SequenceController {
	return &SequenceController{DB: db, Logger: logger}
}

type stepInput struct {
	Position       int    `json:"position" validate:"gt=0"`
	Kind           string `json:"kind" validate:"required,oneof=send_message wait condition"`
	DelaySeconds   int64  `json:"delay_seconds" validate:"gte=0"`
	TemplateID     *uint  `json:"template_id"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	ConditionExpr  string `json:"condition_expr"`
	TrueBranchPos  *int   `json:"true_branch_pos"`
	FalseBranchPos *int   `json:"false_branch_pos"`
}

func (in *stepInput) toModel(sequenceID uint) models.SequenceStep {
	return models.SequenceStep{
		SequenceID:     sequenceID,
		Position:       in.Position,
		Kind:           in.Kind,
		DelaySeconds:   in.DelaySeconds,
		TemplateID:     in.TemplateID,
		Subject:        in.Subject,
		Body:           in.Body,
		ConditionExpr:  in.ConditionExpr,
		TrueBranchPos:  in.TrueBranchPos,
		FalseBranchPos: in.FalseBranchPos,
		IsActive:       true,
	}
}

// CreateSequence creates a sequence with its steps after validating the
// step graph, so a malformed definition never reaches scheduling.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	workspaceID := c.Locals("workspace_id").(uint)

	var input struct {
		Name             string      `json:"name" validate:"required,min=1,max=200"`
		Description      string      `json:"description"`
		MaxRetries       int         `json:"max_retries"`
		RetryBackoff     string      `json:"retry_backoff"`
		RetryBaseSeconds int64       `json:"retry_base_seconds"`
		Steps            []stepInput `json:"steps" validate:"required,min=1,dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}

	sequence := models.Sequence{
		WorkspaceID: workspaceID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.SequenceStatusDraft,
	}
	if input.MaxRetries > 0 {
		sequence.MaxRetries = input.MaxRetries
	}
	if input.RetryBackoff != "" {
		sequence.RetryBackoff = input.RetryBackoff
	}
	if input.RetryBaseSeconds > 0 {
		sequence.RetryBaseSeconds = input.RetryBaseSeconds
	}

	steps := make([]models.SequenceStep, len(input.Steps))
	for i, s := range input.Steps {
		steps[i] = s.toModel(0)
	}
	if err := engine.NewStepGraph(steps).Validate(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid sequence definition", err)
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sequence).Error; err != nil {
			return err
		}
		for i := range steps {
			steps[i].SequenceID = sequence.ID
		}
		return tx.Create(&steps).Error
	})
	if err != nil {
		sc.Logger.WithError(err).Error("failed to create sequence")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", nil)
	}

	sequence.Steps = steps
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	workspaceID := c.Locals("workspace_id").(uint)

	var sequences []models.Sequence
	if err := sc.DB.Where("workspace_id = ?", workspaceID).Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list sequences", nil)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, true)
	if sequence == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// UpdateSequence updates metadata and retry policy. Step structure is
// changed through reorder/toggle only.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if sequence == nil {
		return err
	}

	var input struct {
		Name             *string `json:"name"`
		Description      *string `json:"description"`
		MaxRetries       *int    `json:"max_retries"`
		RetryBackoff     *string `json:"retry_backoff"`
		RetryBaseSeconds *int64  `json:"retry_base_seconds"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if input.MaxRetries != nil && *input.MaxRetries > 0 {
		updates["max_retries"] = *input.MaxRetries
	}
	if input.RetryBackoff != nil {
		if *input.RetryBackoff != models.BackoffFixed && *input.RetryBackoff != models.BackoffExponential {
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Unknown retry backoff strategy", nil)
		}
		updates["retry_backoff"] = *input.RetryBackoff
	}
	if input.RetryBaseSeconds != nil && *input.RetryBaseSeconds > 0 {
		updates["retry_base_seconds"] = *input.RetryBaseSeconds
	}

	if len(updates) > 0 {
		if err := sc.DB.Model(sequence).Updates(updates).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", nil)
		}
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// ChangeSequenceStatus handles activate/pause/archive.
func (sc *SequenceController) ChangeSequenceStatus(target string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sequence, err := sc.loadSequence(c, false)
		if sequence == nil {
			return err
		}

		allowed := map[string][]string{
			models.SequenceStatusActive:   {models.SequenceStatusDraft, models.SequenceStatusPaused},
			models.SequenceStatusPaused:   {models.SequenceStatusActive},
			models.SequenceStatusArchived: {models.SequenceStatusDraft, models.SequenceStatusActive, models.SequenceStatusPaused},
		}
		from, ok := allowed[target]
		if !ok {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown sequence status", nil)
		}
		permitted := false
		for _, s := range from {
			if sequence.Status == s {
				permitted = true
				break
			}
		}
		if !permitted {
			return utils.ErrorResponse(c, fiber.StatusConflict,
				"Sequence cannot move from "+sequence.Status+" to "+target, nil)
		}

		if err := sc.DB.Model(sequence).Update("status", target).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence status", nil)
		}
		return c.JSON(utils.SuccessResponse(fiber.Map{"id": sequence.ID, "status": target}))
	}
}

// ReorderSteps renumbers step positions to match the given step ID order.
// Step identity (and therefore execution history) is untouched; condition
// branch pointers are remapped from old positions to the new ones.
// Rejected while any enrollment is active or paused on the sequence, since
// those reference positions.
func (sc *SequenceController) ReorderSteps(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, true)
	if sequence == nil {
		return err
	}

	var input struct {
		StepIDs []uint `json:"step_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}
	if len(input.StepIDs) != len(sequence.Steps) {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity,
			"step_ids must list every step of the sequence exactly once", nil)
	}

	var openCount int64
	if err := sc.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ?", sequence.ID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Count(&openCount).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check enrollments", nil)
	}
	if openCount > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict,
			"Steps cannot be reordered while enrollments are active or paused", nil)
	}

	stepByID := make(map[uint]*models.SequenceStep, len(sequence.Steps))
	for i := range sequence.Steps {
		stepByID[sequence.Steps[i].ID] = &sequence.Steps[i]
	}

	// New position per step identity, then old-position -> new-position
	// for branch pointer remapping.
	newPosByID := make(map[uint]int, len(input.StepIDs))
	newPosByOldPos := make(map[int]int, len(input.StepIDs))
	for i, stepID := range input.StepIDs {
		step, ok := stepByID[stepID]
		if !ok {
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity,
				"step_ids contains a step that does not belong to this sequence", nil)
		}
		if _, dup := newPosByID[stepID]; dup {
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity,
				"step_ids contains a duplicate step", nil)
		}
		newPosByID[stepID] = i + 1
		newPosByOldPos[step.Position] = i + 1
	}

	reordered := make([]models.SequenceStep, 0, len(sequence.Steps))
	for i := range sequence.Steps {
		step := sequence.Steps[i]
		step.Position = newPosByID[step.ID]
		if step.TrueBranchPos != nil {
			p := newPosByOldPos[*step.TrueBranchPos]
			step.TrueBranchPos = &p
		}
		if step.FalseBranchPos != nil {
			p := newPosByOldPos[*step.FalseBranchPos]
			step.FalseBranchPos = &p
		}
		reordered = append(reordered, step)
	}
	if err := engine.NewStepGraph(reordered).Validate(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity,
			"Reorder would produce an invalid sequence", err)
	}

	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		for i := range reordered {
			step := &reordered[i]
			updates := map[string]interface{}{
				"position":         step.Position,
				"true_branch_pos":  step.TrueBranchPos,
				"false_branch_pos": step.FalseBranchPos,
			}
			if err := tx.Model(&models.SequenceStep{}).Where("id = ?", step.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		sc.Logger.WithError(err).Error("failed to reorder steps")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reorder steps", nil)
	}
	return c.JSON(utils.SuccessResponse(reordered))
}

// ToggleStep flips a step's active flag. Disabling is always legal: the
// graph treats disabled steps as transparent and keeps their delay in the
// following active step's wait window.
func (sc *SequenceController) ToggleStep(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if sequence == nil {
		return err
	}

	stepID := utils.ParseUint(c.Params("stepID"))
	var step models.SequenceStep
	if err := sc.DB.Where("id = ? AND sequence_id = ?", stepID, sequence.ID).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load step", nil)
	}

	if err := sc.DB.Model(&step).Update("is_active", !step.IsActive).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to toggle step", nil)
	}
	step.IsActive = !step.IsActive
	return c.JSON(utils.SuccessResponse(step))
}

func (sc *SequenceController) loadSequence(c *fiber.Ctx, withSteps bool) (*models.Sequence, error) {
	workspaceID := c.Locals("workspace_id").(uint)
	sequenceID := utils.ParseUint(c.Params("id"))

	query := sc.DB.Where("id = ? AND workspace_id = ?", sequenceID, workspaceID)
	if withSteps {
		query = query.Preload("Steps")
	}

	var sequence models.Sequence
	if err := query.First(&sequence).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", nil)
	}
	return &sequence, nil
}
