package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/worker"
)

func TestRouterBindsActiveWorker(t *testing.T) {
	w := newTestWorker(t, "v1", nil)
	app := newTestApp(t, staticSource{w: w})

	req := httptest.NewRequest("GET", "http://pages.local/index.html", nil)
	req.Host = "pages.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.last != w {
		t.Fatalf("expected active worker to be bound")
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404ForForeignHost(t *testing.T) {
	app := newTestApp(t, staticSource{w: newTestWorker(t, "v1", nil)})

	req := httptest.NewRequest("GET", "http://unknown.local/lib.js", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if app.recorder.last != nil {
		t.Fatalf("proxy must not be invoked for unmapped hosts")
	}
}

func TestRouterRejectsForeignHostForEveryMethod(t *testing.T) {
	app := newTestApp(t, staticSource{w: newTestWorker(t, "v1", nil)})

	for _, method := range []string{"GET", "POST", "PUT"} {
		req := httptest.NewRequest(method, "http://10.0.0.1:8080/admin", nil)
		req.Host = "10.0.0.1:8080"

		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404 status, got %d", method, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Offline-Hub-Host"); got != "10.0.0.1:8080" {
			t.Fatalf("%s: expected X-Offline-Hub-Host header, got %q", method, got)
		}
	}
	if app.recorder.last != nil {
		t.Fatalf("proxy must not be invoked for foreign hosts")
	}
}

func TestRouterReturns503WithoutActiveWorker(t *testing.T) {
	app := newTestApp(t, staticSource{})

	req := httptest.NewRequest("GET", "http://pages.local/", nil)
	req.Host = "pages.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 status, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Workers: staticSource{}, Proxy: &proxyRecorder{}, ListenPort: 1}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Proxy: &proxyRecorder{}, ListenPort: 1}); err == nil {
		t.Fatalf("expected error without worker source")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Workers: staticSource{}, ListenPort: 1}); err == nil {
		t.Fatalf("expected error without proxy")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Workers: staticSource{}, Proxy: &proxyRecorder{}}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

type staticSource struct{ w *worker.Worker }

func (s staticSource) Active() *worker.Worker { return s.w }

func newTestApp(t *testing.T, source WorkerSource) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Workers:    source,
		Proxy:      recorder,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	last *worker.Worker
}

func (p *proxyRecorder) Handle(c fiber.Ctx, w *worker.Worker) error {
	p.last = w
	return c.SendStatus(fiber.StatusNoContent)
}
