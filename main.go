package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldreach/config"
	"coldreach/middleware"
	"coldreach/routes"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := log.New(os.Stdout, "COLDREACH: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	mailer := utils.NewMailer(config.DB, logrus.StandardLogger())
	classifier := utils.NewLLMClient(logrus.StandardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchWorker := worker.NewDispatchWorker(config.DB, mailer,
		log.New(os.Stdout, "DISPATCH: ", log.LstdFlags), config.AppConfig.DispatchBatchSize)
	go dispatchWorker.Start(ctx)

	syncWorker := worker.NewSyncWorker(config.DB, mailer, classifier,
		log.New(os.Stdout, "SYNC: ", log.LstdFlags))
	go syncWorker.Start(ctx)

	resetWorker := worker.NewResetWorker(config.DB,
		log.New(os.Stdout, "RESET: ", log.LstdFlags))
	go resetWorker.Start(ctx)

	routes.SetupRoutes(app, config.DB, classifier)

	// Cancel the worker context before stopping the listener so an in-flight
	// tick finishes its current item instead of being killed mid-send.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Println("Shutdown signal received, stopping workers...")
		cancel()
		if err := app.Shutdown(); err != nil {
			logger.Printf("Server shutdown failed: %v", err)
		}
	}()

	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
	logger.Println("Server stopped")
}
