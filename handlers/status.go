package handlers

import (
	"code-arena-system/middleware"
	"code-arena-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupStatusRoutes(app *fiber.App, statusService *services.StatusService) {
	// 🔓 Liveness probe stays unauthenticated
	app.Get("/health", statusService.Health)

	// 🔐 Everything else requires the service token
	secured := app.Group("/", middleware.ServiceTokenMiddleware())

	secured.Get("/matches/recent", statusService.RecentMatches)
	secured.Get("/matches/:id", statusService.GetMatch)
	secured.Get("/submissions/latest", statusService.LatestSubmissions)
	secured.Get("/tournaments/:id", statusService.GetTournament)
	secured.Get("/tournaments/:id/bracket.dot", statusService.BracketDot)
}
