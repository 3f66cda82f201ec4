package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oficina/offline-agent/internal/agent"
)

// Dispatcher 接收被拦截的请求。Host 是默认实现，测试中可注入替身。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *http.Request) (*agent.Result, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *http.Request) (*agent.Result, error)

// Dispatch makes DispatcherFunc satisfy Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, req *http.Request) (*agent.Result, error) {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Dispatcher Dispatcher
	// Origin 是被代理应用的源站，请求路径基于它还原为绝对 URL。
	Origin *url.URL
	// CrossOriginHosts 中的 Host 头会被视为正向代理请求，目标改为 https://<host>。
	CrossOriginHosts []string
	ListenPort       int
}

const contextKeyRequestID = "_offline_agent_request_id"

// NewApp builds a Fiber application with request IDs, panic recovery and the
// catch-all interception handler. Diagnostics routes under /-/ are registered
// separately and are never intercepted.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	interceptor := newInterceptor(opts)
	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return interceptor.handle(c)
	})

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
