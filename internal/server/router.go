package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/router"
	"github.com/any-hub/offline-hub/internal/worker"
)

// ProxyHandler answers one request with the worker that currently controls
// the site. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *worker.Worker) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *worker.Worker) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, w *worker.Worker) error {
	return f(c, w)
}

// WorkerSource exposes the active worker; Controller implements it.
type WorkerSource interface {
	Active() *worker.Worker
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Workers    WorkerSource
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyWorker    = "_offlinehub_worker"
	contextKeyRequestID = "_offlinehub_request_id"
)

// NewApp builds a Fiber application that hands every non-diagnostics request
// to the active worker.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Workers == nil {
		return nil, errors.New("worker source is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		w, ok := WorkerFromContext(c)
		if !ok {
			return renderNoWorker(c, opts.Logger)
		}
		return opts.Proxy.Handle(c, w)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并为请求绑定当前激活的 worker。
// 非站点 Host 一律返回 404，进程不会替客户端访问其他主机。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		w := opts.Workers.Active()
		if w == nil {
			return renderNoWorker(c, opts.Logger)
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		host, _ := router.NormalizeHost(rawHost)
		if host != w.Router().Origin() {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyWorker, w)
		return c.Next()
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host unmapped")

	if host != "" {
		c.Set("X-Offline-Hub-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func renderNoWorker(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithField("action", "worker_lookup").Warn("no active worker")
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "no_active_worker",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// WorkerFromContext returns the worker bound by the router middleware.
func WorkerFromContext(c fiber.Ctx) (*worker.Worker, bool) {
	if value := c.Locals(contextKeyWorker); value != nil {
		if w, ok := value.(*worker.Worker); ok {
			return w, true
		}
	}
	return nil, false
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
