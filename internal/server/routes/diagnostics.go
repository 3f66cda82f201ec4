package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/oficina/offline-agent/internal/cache"
	"github.com/oficina/offline-agent/internal/server"
)

// LifecycleController 是诊断接口需要的宿主能力，*server.Host 实现了它。
type LifecycleController interface {
	Status() server.Status
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
}

// RegisterDiagnosticsRoutes 暴露 /-/ 下的诊断接口：生命周期状态、命名空间列表与手动重放 install/activate。
func RegisterDiagnosticsRoutes(app *fiber.App, host LifecycleController, storage cache.Storage) {
	if app == nil || host == nil || storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(host.Status())
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := storage.Keys(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
		}
		return c.JSON(cachesPayload{
			Current:    host.Status().CacheName,
			Namespaces: nonNil(names),
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		name := c.Params("name")
		// Lookup 不会创建命名空间，与激活并发时也不会让已删除的版本复活。
		ns, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup_failed"})
		}
		entries, err := ns.Requests(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
		}
		if entries == nil {
			entries = []cache.RequestInfo{}
		}
		return c.JSON(namespacePayload{Name: name, Entries: entries})
	})

	app.Post("/-/install", func(c fiber.Ctx) error {
		if err := host.Install(requestContext(c)); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(host.Status())
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		if err := host.Activate(requestContext(c)); err != nil {
			status := fiber.StatusInternalServerError
			if errors.Is(err, server.ErrNotInstalled) {
				status = fiber.StatusConflict
			}
			return c.Status(status).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(host.Status())
	})
}

type cachesPayload struct {
	Current    string   `json:"current"`
	Namespaces []string `json:"namespaces"`
}

type namespacePayload struct {
	Name    string              `json:"name"`
	Entries []cache.RequestInfo `json:"entries"`
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
