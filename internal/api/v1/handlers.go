package apiv1

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MarvinHauser/Sketchly/internal/pkg/billing"
	"github.com/MarvinHauser/Sketchly/internal/pkg/metrics/counter"
)

// APIServer exposes the reconciliation admin surface.
type APIServer struct {
	scheduler    *billing.Scheduler
	orchestrator *billing.Orchestrator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(scheduler *billing.Scheduler, orchestrator *billing.Orchestrator) *APIServer {
	return &APIServer{scheduler: scheduler, orchestrator: orchestrator}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

// GetReconcileStatus returns the current run state: whether a run is active,
// its error count, the scheduler's operating mode and the persistent run
// counters.
func (s *APIServer) GetReconcileStatus(c *fiber.Ctx) error {
	status := s.orchestrator.Status()
	resp := fiber.Map{
		"running":     status.Running,
		"error_count": status.ErrorCount,
		"mode":        s.scheduler.Mode(),
		"last_run_at": status.LastRunAt,
	}
	if counters, err := counter.Snapshot(); err == nil {
		resp["counters"] = counters
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// PostReconcileRun forces a reconciliation run outside the schedule.
func (s *APIServer) PostReconcileRun(c *fiber.Ctx) error {
	if s.orchestrator.IsRunning() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "run_active",
			"message": "a reconciliation run is already in progress",
		})
	}

	mode := billing.Mode(strings.ToLower(strings.TrimSpace(c.Query("mode", string(s.scheduler.Mode())))))
	switch mode {
	case billing.ModeNormal, billing.ModeAggressive, billing.ModeEmergency:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "mode must be one of normal, aggressive, emergency",
		})
	}

	go s.scheduler.TriggerNow(mode)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"started": true, "mode": mode})
}

// RegisterHandlers wires the admin routes onto the given router group.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)
	r.Get("/reconcile/status", s.GetReconcileStatus)
	r.Post("/reconcile/run", s.PostReconcileRun)
}
