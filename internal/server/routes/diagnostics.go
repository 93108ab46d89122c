package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/lifecycle"
	"github.com/quran-companion/shell-cache/internal/server"
	"github.com/quran-companion/shell-cache/internal/version"
)

// RegisterDiagnostics 暴露 /-/ 下的诊断与运维接口。
func RegisterDiagnostics(app *fiber.App, host *lifecycle.Host, registry *server.OriginRegistry, logger *logrus.Logger) {
	if app == nil || host == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "build": version.Current()})
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"cache":   host.Snapshot(c.Context()),
			"origins": encodeOrigins(registry.List()),
		})
	})

	app.Get("/-/drivers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"drivers": encodeDrivers(cache.Drivers())})
	})

	// 重新安装最近一次请求的 generation，用于 install 失败后的手动重试
	app.Post("/-/update", func(c fiber.Ctx) error {
		err := host.Update(c.Context())
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "update",
				"request_id": server.RequestID(c),
			}).WithError(err).Warn("update_failed")
			status := fiber.StatusBadGateway
			if errors.Is(err, lifecycle.ErrNoGeneration) {
				status = fiber.StatusConflict
			}
			return c.Status(status).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(host.Snapshot(c.Context()))
	})

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_id_required"})
		}
		known, err := host.ReleaseClient(c.Context(), id)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":    "release_client",
				"client_id": id,
			}).WithError(err).Warn("activate_waiting_failed")
		}
		if !known {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type originPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Primary  bool   `json:"primary"`
	Port     int    `json:"port"`
}

type driverPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Durable     bool   `json:"durable"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.Config.Upstream,
			Primary:  route.Primary,
			Port:     route.ListenPort,
		})
	}
	return result
}

func encodeDrivers(drivers []cache.Driver) []driverPayload {
	result := make([]driverPayload, 0, len(drivers))
	for _, d := range drivers {
		result = append(result, driverPayload{
			Key:         d.Key,
			Description: d.Description,
			Durable:     d.Durable,
		})
	}
	return result
}
