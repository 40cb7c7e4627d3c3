package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/router"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/strategy"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/strategies 诊断接口，供运维查询
// 当前激活版本、缓存代与策略绑定关系。
func RegisterDiagnosticsRoutes(app *fiber.App, workers server.WorkerSource) {
	if app == nil || workers == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		w := workers.Active()
		if w == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
		}
		names, retained, err := w.Generations(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_failed"})
		}
		return c.JSON(encodeStatus(w, names, retained))
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"strategies": encodeStrategies(strategy.List(), workers.Active()),
		})
	})

	app.Get("/-/strategies/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "strategy_key_required"})
		}
		s, ok := strategy.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "strategy_not_found"})
		}
		return c.JSON(encodeStrategy(s, workers.Active()))
	})
}

type statusPayload struct {
	Build       string            `json:"build"`
	Site        string            `json:"site"`
	Domain      string            `json:"domain"`
	Version     string            `json:"version"`
	State       string            `json:"state"`
	Shell       string            `json:"shell_generation"`
	Runtime     string            `json:"runtime_generation"`
	Generations []string          `json:"generations"`
	Retained    []string          `json:"retained"`
	Dispatch    map[string]string `json:"dispatch"`
}

type strategyPayload struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Writes      []string `json:"writes,omitempty"`
	Classes     []string `json:"classes,omitempty"`
}

var interceptedClasses = []router.Class{router.ClassNavigation, router.ClassMedia, router.ClassOther}

func encodeStatus(w *worker.Worker, names, retained []string) statusPayload {
	site := w.Site()
	return statusPayload{
		Build:       version.Full(),
		Site:        site.Name,
		Domain:      site.Domain,
		Version:     w.Version(),
		State:       string(w.State()),
		Shell:       w.ShellName(),
		Runtime:     w.RuntimeName(),
		Generations: nonNil(names),
		Retained:    nonNil(retained),
		Dispatch:    dispatchTable(w),
	}
}

func dispatchTable(w *worker.Worker) map[string]string {
	out := make(map[string]string, len(interceptedClasses))
	for _, class := range interceptedClasses {
		out[string(class)] = w.Router().Dispatch(class)
	}
	return out
}

func encodeStrategies(items []strategy.Strategy, w *worker.Worker) []strategyPayload {
	if len(items) == 0 {
		return nil
	}
	result := make([]strategyPayload, 0, len(items))
	for _, s := range items {
		result = append(result, encodeStrategy(s, w))
	}
	return result
}

// encodeStrategy 附带当前激活版本中分发到该策略的请求类别。
func encodeStrategy(s strategy.Strategy, w *worker.Worker) strategyPayload {
	payload := strategyPayload{
		Key:         s.Key,
		Description: s.Description,
		Writes:      append([]string(nil), s.Writes...),
	}
	if w == nil {
		return payload
	}
	for _, class := range interceptedClasses {
		if w.Router().Dispatch(class) == s.Key {
			payload.Classes = append(payload.Classes, string(class))
		}
	}
	return payload
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
