package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/worker"
)

// ErrWaiting 表示新版本安装完成但未请求 skip waiting，而旧版本仍在控制中。
var ErrWaiting = errors.New("installed worker is waiting for the active worker to retire")

// Controller 扮演宿主运行时：串行注册 worker 版本，按 install → activate 的顺序推进，
// 并在 Claim 时切换激活实例。被取代的实例在后台排空进行中的请求。
type Controller struct {
	logger       *logrus.Logger
	drainTimeout time.Duration

	active atomic.Pointer[worker.Worker]

	// regMu 串行化 Register；pending 与 skipWaiting 只在持锁期间读写。
	regMu       sync.Mutex
	pending     *worker.Worker
	skipWaiting bool

	retiring sync.WaitGroup
}

// NewController 创建 Controller；drainTimeout 限制旧实例排空的最长时间。
func NewController(logger *logrus.Logger, drainTimeout time.Duration) *Controller {
	if logger == nil {
		logger = logging.Discard()
	}
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &Controller{logger: logger, drainTimeout: drainTimeout}
}

// Active 返回当前控制站点的 worker，尚未有版本激活时为 nil。
func (c *Controller) Active() *worker.Worker {
	return c.active.Load()
}

// Register 安装并激活 w。安装失败时 w 成为 redundant，原激活实例保持不变。
func (c *Controller) Register(ctx context.Context, w *worker.Worker) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.pending = w
	c.skipWaiting = false
	defer func() { c.pending = nil }()

	fields := logging.LifecycleFields("register", w.Version(), w.ShellName(), w.RuntimeName())

	if err := w.Install(ctx); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("worker 安装失败，保留当前版本")
		return zerr.With(zerr.Wrap(err, "install worker"), "version", w.Version())
	}
	if !c.skipWaiting && c.active.Load() != nil {
		return zerr.With(ErrWaiting, "version", w.Version())
	}

	deleted, err := w.Activate(ctx)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("worker 激活失败")
		return zerr.With(zerr.Wrap(err, "activate worker"), "version", w.Version())
	}

	c.logger.WithFields(fields).WithField("deleted", deleted).Info("worker 已激活")
	return nil
}

// SkipWaiting 实现 lifecycle.Host。
func (c *Controller) SkipWaiting() {
	c.skipWaiting = true
}

// Claim 实现 lifecycle.Host：将正在注册的 worker 设为激活实例，旧实例转入后台排空。
func (c *Controller) Claim(ctx context.Context) error {
	if c.pending == nil {
		return errors.New("no worker is being registered")
	}
	if prev := c.active.Swap(c.pending); prev != nil && prev != c.pending {
		c.retire(prev)
	}
	return nil
}

func (c *Controller) retire(w *worker.Worker) {
	c.retiring.Add(1)
	go func() {
		defer c.retiring.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
		defer cancel()

		fields := logging.LifecycleFields("retire", w.Version(), w.ShellName(), w.RuntimeName())
		if err := w.Drain(ctx); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("旧版本排空超时")
			return
		}
		c.logger.WithFields(fields).Info("旧版本已排空")
	}()
}

// Shutdown 等待激活实例与所有被取代实例排空，ctx 到期时返回其错误。
func (c *Controller) Shutdown(ctx context.Context) error {
	var errs []error
	if w := c.active.Load(); w != nil {
		if err := w.Drain(ctx); err != nil {
			errs = append(errs, zerr.With(zerr.Wrap(err, "drain active worker"), "version", w.Version()))
		}
	}

	done := make(chan struct{})
	go func() {
		c.retiring.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, zerr.Wrap(ctx.Err(), "drain retired workers"))
	}
	return errors.Join(errs...)
}
