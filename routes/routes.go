package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "dripflow/controllers"
	"dripflow/engine"
	"dripflow/middleware"
	"dripflow/models"
)

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, store *engine.EnrollmentStore, appLogger *logrus.Logger) {
	sequenceController := controller.NewSequenceController(db, appLogger)
	enrollmentController := controller.NewEnrollmentController(store, appLogger)

	// API group with versioning and workspace scoping
	api := app.Group("/api/v1", middleware.WorkspaceScoped(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Put("/:id", sequenceController.UpdateSequence)
	sequences.Post("/:id/activate", sequenceController.ChangeSequenceStatus(models.SequenceStatusActive))
	sequences.Post("/:id/pause", sequenceController.ChangeSequenceStatus(models.SequenceStatusPaused))
	sequences.Post("/:id/archive", sequenceController.ChangeSequenceStatus(models.SequenceStatusArchived))
	sequences.Put("/:id/steps/reorder", sequenceController.ReorderSteps)
	sequences.Post("/:id/steps/:stepID/toggle", sequenceController.ToggleStep)

	// Enrollment routes
	sequences.Post("/:id/enroll", enrollmentController.Enroll)
	sequences.Post("/:id/enroll/bulk", middleware.BulkEnrollRateLimiter(), enrollmentController.BulkEnroll)
	sequences.Get("/:id/events", enrollmentController.ListSequenceEvents)

	enrollments := api.Group("/enrollments")
	enrollments.Get("/", enrollmentController.ListEnrollments)
	enrollments.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollments.Post("/:id/resume", enrollmentController.ResumeEnrollment)
	enrollments.Post("/:id/stop", enrollmentController.StopEnrollment)
	enrollments.Delete("/:id", enrollmentController.DeleteEnrollment)
	enrollments.Get("/:id/executions", enrollmentController.ListExecutions)
	enrollments.Get("/:id/events", enrollmentController.ListEnrollmentEvents)

	appLogger.Info("API routes initialized successfully")
}
