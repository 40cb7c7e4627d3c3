package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// siteRuntime 持有进程级共享的缓存存储与 controller，reload 时复用同一个存储。
type siteRuntime struct {
	cfg        *config.Config
	configPath string
	store      cache.Store
	controller *server.Controller
	logger     *logrus.Logger
}

// bootstrap 打开缓存存储并注册首个 worker 版本。
func bootstrap(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) (*siteRuntime, error) {
	store, err := cache.Open(cfg.Global.StoreDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	rt := &siteRuntime{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		controller: server.NewController(logger, cfg.Global.ShutdownTimeout.DurationValue()),
		logger:     logger,
	}
	if err := rt.register(ctx, cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return rt, nil
}

// reload 重新读取配置并注册新版本 worker。监听端口与存储设置需要重启才能生效，
// 变化时仅记录告警并沿用当前值。
func (rt *siteRuntime) reload(ctx context.Context) error {
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return err
	}

	fields := logging.BaseFields("reload", rt.configPath)
	if cfg.Global.ListenPort != rt.cfg.Global.ListenPort ||
		cfg.Global.StoreDriver != rt.cfg.Global.StoreDriver ||
		cfg.Global.StoragePath != rt.cfg.Global.StoragePath {
		rt.logger.WithFields(fields).Warn("ListenPort/StoreDriver/StoragePath 变更需重启进程，本次忽略")
		cfg.Global.ListenPort = rt.cfg.Global.ListenPort
		cfg.Global.StoreDriver = rt.cfg.Global.StoreDriver
		cfg.Global.StoragePath = rt.cfg.Global.StoragePath
	}

	if err := rt.register(ctx, cfg); err != nil {
		return err
	}
	rt.cfg = cfg
	fields["site_version"] = cfg.Site.Version
	rt.logger.WithFields(fields).Info("配置已重新加载")
	return nil
}

func (rt *siteRuntime) register(ctx context.Context, cfg *config.Config) error {
	w, err := worker.New(worker.Options{
		Config: cfg,
		Store:  rt.store,
		Host:   rt.controller,
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}
	return rt.controller.Register(ctx, w)
}

func (rt *siteRuntime) close() error {
	return rt.store.Close()
}
