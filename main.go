package main

import (
	"context"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripflow/config"
	"dripflow/engine"
	"dripflow/middleware"
	"dripflow/routes"
	"dripflow/utils"
	"dripflow/worker"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Engine wiring
	recorder := engine.NewRecorder(logger)
	store := engine.NewEnrollmentStore(config.DB, logger, recorder)
	claims := engine.NewSQLClaimTable(config.DB)
	suppression := &engine.LeadSuppressionChecker{DB: config.DB}
	mailer := utils.NewSMTPMailer(config.DB, utils.SMTPSettings{
		Host:      config.AppConfig.SMTPHost,
		Port:      config.AppConfig.SMTPPort,
		Username:  config.AppConfig.SMTPUsername,
		Password:  config.AppConfig.SMTPPassword,
		FromEmail: config.AppConfig.FromEmail,
		FromName:  config.AppConfig.FromName,
	}, logger)
	executor := engine.NewExecutor(store, claims, mailer, suppression, logger)

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := worker.NewScheduler(
		config.DB, store, claims, executor, logger,
		time.Duration(config.AppConfig.SweepIntervalSeconds)*time.Second,
		time.Duration(config.AppConfig.ClaimLeaseSeconds)*time.Second,
		config.AppConfig.SweepBatchSize,
	)
	go scheduler.Start(ctx)

	janitor := worker.NewClaimJanitor(claims, logger,
		time.Duration(config.AppConfig.JanitorIntervalSecs)*time.Second)
	go janitor.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Setup routes
	routes.SetupAPIRoutes(app, config.DB, store, logger)

	// Health check endpoint
	health := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	}
	app.Get("/", health)
	app.Get("/health", health)

	// Start server
	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
