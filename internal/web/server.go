// Package web exposes the optional HTTP ops endpoint: liveness and readiness
// probes for container orchestration, and a runtime stats page. It serves no
// directory data and is disabled unless an endpoint is configured.
package web

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldap-auth-proxy/internal/proxy"
)

// App is the HTTP ops application.
type App struct {
	fiber *fiber.App
	stats func() proxy.Stats
	ready func() bool
}

// NewApp creates the ops application. stats supplies the runtime statistics;
// ready reports whether the LDAP listener is accepting connections.
func NewApp(stats func() proxy.Stats, ready func() bool) *App {
	f := fiber.New(fiber.Config{
		AppName:               "ldap-auth-proxy",
		DisableStartupMessage: true,
	})

	a := &App{
		fiber: f,
		stats: stats,
		ready: ready,
	}

	f.Get("/health/live", a.livenessHandler)
	f.Get("/health/ready", a.readinessHandler)
	f.Get("/debug/stats", a.statsHandler)

	return a
}

// livenessHandler reports that the process is up.
func (a *App) livenessHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// readinessHandler reports whether the LDAP listener accepts connections.
func (a *App) readinessHandler(c *fiber.Ctx) error {
	if !a.ready() {
		c.Status(fiber.StatusServiceUnavailable)
		return c.JSON(fiber.Map{"status": "not ready"})
	}

	return c.JSON(fiber.Map{"status": "ready"})
}

// statsHandler returns cache and connection statistics.
func (a *App) statsHandler(c *fiber.Ctx) error {
	return c.JSON(a.stats())
}

// Listen serves the ops endpoint on addr until Shutdown is called.
func (a *App) Listen(addr string) error {
	log.Info().Str("addr", addr).Msg("Serving the HTTP ops endpoint")
	return a.fiber.Listen(addr)
}

// Shutdown stops the ops endpoint gracefully.
func (a *App) Shutdown(ctx context.Context) error {
	return a.fiber.ShutdownWithContext(ctx)
}
