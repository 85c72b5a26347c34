package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/MarvinHauser/Sketchly/internal/api/v1"
	"github.com/MarvinHauser/Sketchly/internal/pkg/env"
)

// InstallRouter wires the admin API onto the app. The reconcile endpoints
// require elevated authorization.
func InstallRouter(app *fiber.App, server *apiv1.APIServer) {
	api := app.Group("/api", limiter.New())

	v1 := api.Group("/v1", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", ""),
		},
	}))
	apiv1.RegisterHandlers(v1, server)
}
