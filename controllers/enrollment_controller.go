package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripflow/engine"
	"dripflow/models"
	"dripflow/utils"
)

type EnrollmentController struct {
	Store  *engine.EnrollmentStore
	Logger *logrus.Logger
}

func NewEnrollmentController(store *engine.EnrollmentStore, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{Store: store, Logger: logger}
}

// Enroll puts one lead into a sequence.
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if !ec.sequenceInWorkspace(c, sequenceID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		LeadID uint `json:"lead_id" validate:"required,gt=0"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}

	enrollment, err := ec.Store.Enroll(c.Context(), sequenceID, input.LeadID)
	switch {
	case errors.Is(err, engine.ErrAlreadyEnrolled):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is already enrolled in this sequence", nil)
	case errors.Is(err, engine.ErrSequenceNotActive):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence is not active", nil)
	case errors.Is(err, engine.ErrLeadSuppressed):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is suppressed", nil)
	case errors.Is(err, engine.ErrLeadNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	case err != nil:
		ec.Logger.WithError(err).Error("failed to enroll lead")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll lead", nil)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// BulkEnroll enrolls many leads independently and reports per-lead
// results with summary counts; one bad lead never fails the batch.
func (ec *EnrollmentController) BulkEnroll(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if !ec.sequenceInWorkspace(c, sequenceID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		LeadIDs []uint `json:"lead_ids" validate:"required,min=1,max=10000"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Validation failed", err)
	}

	results, err := ec.Store.BulkEnroll(c.Context(), sequenceID, input.LeadIDs)
	switch {
	case errors.Is(err, engine.ErrSequenceNotActive):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence is not active", nil)
	case err != nil:
		ec.Logger.WithError(err).Error("bulk enrollment failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Bulk enrollment failed", nil)
	}

	summary := map[string]int{}
	for _, r := range results {
		summary[r.Result]++
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"results": results,
		"summary": summary,
	}))
}

func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, func(id uint) (*models.Enrollment, error) {
		return ec.Store.Pause(c.Context(), id)
	})
}

func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, func(id uint) (*models.Enrollment, error) {
		return ec.Store.Resume(c.Context(), id)
	})
}

func (ec *EnrollmentController) StopEnrollment(c *fiber.Ctx) error {
	var input struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	// Body is optional for stop
	_ = c.BodyParser(&input)
	if input.Reason == "" {
		input.Reason = models.StopReasonManual
	}

	return ec.transition(c, func(id uint) (*models.Enrollment, error) {
		return ec.Store.Stop(c.Context(), id, input.Reason, input.Details)
	})
}

func (ec *EnrollmentController) transition(c *fiber.Ctx, op func(uint) (*models.Enrollment, error)) error {
	id := utils.ParseUint(c.Params("id"))
	if existing := ec.loadOwned(c, id); existing == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	enrollment, err := op(id)
	switch {
	case errors.Is(err, engine.ErrEnrollmentNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment state does not permit this transition", nil)
	case err != nil:
		ec.Logger.WithError(err).Error("enrollment transition failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Enrollment transition failed", nil)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// DeleteEnrollment removes an enrollment and its history. Administrative
// and destructive; permitted regardless of status.
func (ec *EnrollmentController) DeleteEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if existing := ec.loadOwned(c, id); existing == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	if err := ec.Store.Delete(c.Context(), id); err != nil {
		if errors.Is(err, engine.ErrEnrollmentNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
		}
		ec.Logger.WithError(err).Error("failed to delete enrollment")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete enrollment", nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListEnrollments returns a sequence's enrollments with an optional
// status filter.
func (ec *EnrollmentController) ListEnrollments(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Query("sequence_id"))
	if sequenceID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "sequence_id query parameter is required", nil)
	}
	if !ec.sequenceInWorkspace(c, sequenceID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	status := c.Query("status")
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)

	enrollments, total, err := ec.Store.ListEnrollments(c.Context(), sequenceID, status, limit, (page-1)*limit)
	if err != nil {
		ec.Logger.WithError(err).Error("failed to list enrollments")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list enrollments", nil)
	}
	return c.JSON(utils.PaginatedResponse{
		Data:  enrollments,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (ec *EnrollmentController) ListExecutions(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if existing := ec.loadOwned(c, id); existing == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	executions, err := ec.Store.ListExecutions(c.Context(), id)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list executions", nil)
	}
	return c.JSON(utils.SuccessResponse(executions))
}

func (ec *EnrollmentController) ListEnrollmentEvents(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	enrollment := ec.loadOwned(c, id)
	if enrollment == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	events, err := ec.Store.ListEvents(c.Context(), enrollment.SequenceID, &id, c.QueryInt("limit", 100), c.QueryInt("offset", 0))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list events", nil)
	}
	return c.JSON(utils.SuccessResponse(events))
}

func (ec *EnrollmentController) ListSequenceEvents(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if !ec.sequenceInWorkspace(c, sequenceID) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	events, err := ec.Store.ListEvents(c.Context(), sequenceID, nil, c.QueryInt("limit", 100), c.QueryInt("offset", 0))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list events", nil)
	}
	return c.JSON(utils.SuccessResponse(events))
}

func (ec *EnrollmentController) loadOwned(c *fiber.Ctx, id uint) *models.Enrollment {
	enrollment, err := ec.Store.GetEnrollment(c.Context(), id)
	if err != nil {
		return nil
	}
	workspaceID, _ := c.Locals("workspace_id").(uint)
	if enrollment.WorkspaceID != workspaceID {
		return nil
	}
	return enrollment
}

func (ec *EnrollmentController) sequenceInWorkspace(c *fiber.Ctx, sequenceID uint) bool {
	workspaceID, _ := c.Locals("workspace_id").(uint)
	var count int64
	if err := ec.Store.DB.Model(&models.Sequence{}).
		Where("id = ? AND workspace_id = ?", sequenceID, workspaceID).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}
