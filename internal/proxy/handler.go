package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/fetch"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/router"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Handler 把 Fiber 请求转换为 *http.Request 交给 worker，并把结果写回客户端。
// 空结果、网络失败与缓存失败分别映射为 504、502 与 500。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, w *worker.Worker) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(ctx, c, w)
	if err != nil {
		h.logResult(w, requestID, worker.Result{}, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := w.HandleFetch(ctx, req)
	if err != nil {
		status, code := classifyError(result, err)
		h.logResult(w, requestID, result, status, started, err)
		return h.writeError(c, status, code)
	}
	if result.Response == nil {
		h.logResult(w, requestID, result, fiber.StatusGatewayTimeout, started, nil)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
	}

	err = h.writeResponse(c, result)
	h.logResult(w, requestID, result, result.Response.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("write response failed: %v", err))
	}
	return nil
}

func classifyError(result worker.Result, err error) (int, string) {
	switch {
	case errors.Is(err, worker.ErrForeignHost):
		return fiber.StatusNotFound, "host_unmapped"
	case errors.Is(err, fetch.ErrNetwork):
		return fiber.StatusBadGateway, "upstream_failed"
	case result.Class.Intercepted():
		return fiber.StatusInternalServerError, "cache_failed"
	default:
		return fiber.StatusBadGateway, "upstream_failed"
	}
}

func (h *Handler) writeResponse(c fiber.Ctx, result worker.Result) error {
	resp := result.Response
	body, err := resp.Body()
	if err != nil {
		return err
	}
	defer body.Close()

	copyResponseHeaders(c, resp.Header)
	if result.Class.Intercepted() {
		c.Set("X-Offline-Hub-Strategy", result.Strategy)
		c.Set("X-Offline-Hub-Cache-Hit", strconv.FormatBool(result.CacheHit()))
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}
	_, err = io.Copy(c.Response().BodyWriter(), body)
	return err
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	w *worker.Worker,
	requestID string,
	result worker.Result,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(w.Site().Name, string(result.Class), result.Strategy, result.CacheHit())
	fields["action"] = "proxy"
	fields["version"] = w.Version()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 将 Fiber 请求还原为 *http.Request，URL 保留客户端请求的 Host，
// 由 worker 判断是否同源。同源请求补充 X-Forwarded-* 头。
func buildRequest(ctx context.Context, c fiber.Ctx, w *worker.Worker) (*http.Request, error) {
	uri := c.Request().URI()
	host := string(c.Request().Header.Host())
	if host == "" {
		host = c.Hostname()
	}
	target := &url.URL{
		Scheme:   c.Scheme(),
		Host:     host,
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}

	var body io.Reader = http.NoBody
	method := c.Method()
	if method != http.MethodGet && method != http.MethodHead {
		body = bytesReader(c.Body())
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Host = host
	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del(fiber.HeaderHost)

	normalized, _ := router.NormalizeHost(host)
	if normalized == w.Router().Origin() {
		req.Header.Set("X-Forwarded-Host", host)
		if ip := c.IP(); ip != "" {
			if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
				req.Header.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				req.Header.Set("X-Forwarded-For", ip)
			}
		}
		req.Header.Set("X-Forwarded-Proto", c.Scheme())
		req.Header.Set("X-Forwarded-Port", listenPort(w))
	}
	return req, nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func listenPort(w *worker.Worker) string {
	if w == nil || w.ListenPort() <= 0 {
		return "0"
	}
	return strconv.Itoa(w.ListenPort())
}
