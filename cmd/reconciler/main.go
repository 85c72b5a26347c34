package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	apiv1 "github.com/MarvinHauser/Sketchly/internal/api/v1"
	"github.com/MarvinHauser/Sketchly/internal/pkg/billing"
	"github.com/MarvinHauser/Sketchly/internal/pkg/cache"
	"github.com/MarvinHauser/Sketchly/internal/pkg/database"
	"github.com/MarvinHauser/Sketchly/internal/pkg/env"
	"github.com/MarvinHauser/Sketchly/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cfg := billing.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid reconciler configuration: %v", err)
	}

	repo := billing.NewRepository(database.GetDB())
	gateway := billing.NewGateway(billing.NewPaddleClientFromEnv(), cfg)
	lock := billing.NewLockManager(billing.NewRedisLeaseStore(cache.GetClient()), cfg.LockTTL)
	applier := billing.NewApplier(repo, cfg)
	orch := billing.NewOrchestrator(repo, gateway, applier, lock, cfg)
	scheduler := billing.NewScheduler(orch, repo, cfg)
	scheduler.Start()

	app := fiber.New()
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())
	router.InstallRouter(app, apiv1.NewAPIServer(scheduler, orch))

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4100"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("admin server stopped: %v", err)
		}
	}()

	// Shutdown must stop the scheduler first so a live run can finish and
	// release the lock instead of leaving a stale lease behind.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	scheduler.Stop()
	if err := app.Shutdown(); err != nil {
		log.Printf("admin server shutdown: %v", err)
	}
}
