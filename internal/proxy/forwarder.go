package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Forwarder 包装实际的 ProxyHandler，统一处理 handler 缺失与 panic，保证客户端总能
// 拿到带 X-Request-ID 的 JSON 错误。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, w *worker.Worker) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, w, requestID)
	}
	return f.invokeHandler(c, w, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, w *worker.Worker, requestID string) error {
	f.logHandlerError(w, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, w *worker.Worker, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, w, r, requestID)
		}
	}()
	return f.handler.Handle(c, w)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, w *worker.Worker, recovered interface{}, requestID string) error {
	f.logHandlerError(w, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(w *worker.Worker, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := workerFields(w, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func workerFields(w *worker.Worker, requestID string) logrus.Fields {
	fields := logging.RequestFields("", "", "", false)
	if w != nil {
		fields["site"] = w.Site().Name
		fields["version"] = w.Version()
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
