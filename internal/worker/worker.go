// Package worker assembles one versioned worker instance: the generation store,
// the network fetchers, the router and the lifecycle manager for a single
// config version. A new config version means a new Worker; the server
// controller decides which one answers requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/fetch"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/router"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// ErrForeignHost is returned for requests to other hosts. They are never
// fetched on the client's behalf.
var ErrForeignHost = errors.New("host is not served by this site")

// Options 描述构建 Worker 所需的依赖。Network/Loader 为空时根据配置
// 构建真实的 HTTP 抓取器，测试可注入替身。
type Options struct {
	Config *config.Config
	Store  cache.Store
	Host   lifecycle.Host
	Logger *logrus.Logger

	Network fetch.Fetcher
	Loader  cache.Loader
}

// Worker 是单个配置版本的运行实例。
type Worker struct {
	site        config.SiteConfig
	listenPort  int
	upstreamURL *url.URL
	logger      *logrus.Logger

	store     cache.Store
	network   fetch.Fetcher
	router    *router.Router
	env       strategy.Env
	lifecycle *lifecycle.Manager

	inflight sync.WaitGroup
}

// Result 是一次请求的处理结果。Response 为 nil 且没有错误表示空结果。
type Result struct {
	Response *fetch.Response
	Class    router.Class
	Strategy string
}

// CacheHit reports whether the response was served from a generation.
func (r Result) CacheHit() bool {
	return r.Response != nil && r.Response.Source == fetch.SourceCache
}

// New 根据配置构建 Worker，此时处于 parsed 状态，尚未 install。
func New(opts Options) (*Worker, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("generation store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	site := opts.Config.Site

	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}
	var proxyURL *url.URL
	if strings.TrimSpace(site.Proxy) != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	if opts.Network == nil || opts.Loader == nil {
		client := fetch.NewUpstreamClient(opts.Config.Global.UpstreamTimeout.DurationValue(), proxyURL)
		siteFetcher := fetch.NewSiteFetcher(client, upstreamURL)
		if opts.Network == nil {
			opts.Network = siteFetcher
		}
		if opts.Loader == nil {
			opts.Loader = siteFetcher
		}
	}

	shellName := site.ShellCacheName()
	runtimeName := site.RuntimeCacheName()

	w := &Worker{
		site:        site,
		listenPort:  opts.Config.Global.ListenPort,
		upstreamURL: upstreamURL,
		logger:      opts.Logger,
		store:       opts.Store,
		network:     opts.Network,
		router:      router.New(site.Domain, site.MediaExtensions, site.NavigationPolicy),
		env: strategy.Env{
			Store:       opts.Store,
			Network:     opts.Network,
			ShellName:   shellName,
			RuntimeName: runtimeName,
			EntryKey:    cache.NormalizeKey(site.EntryDocument),
		},
	}
	w.lifecycle = lifecycle.New(lifecycle.Options{
		Version:     site.Version,
		Store:       opts.Store,
		Loader:      opts.Loader,
		Host:        opts.Host,
		ShellName:   shellName,
		RuntimeName: runtimeName,
		ShellAssets: site.ShellAssets,
		Logger:      opts.Logger,
	})
	return w, nil
}

// Version 返回该实例对应的站点版本。
func (w *Worker) Version() string { return w.site.Version }

// Site 返回该实例的站点配置副本。
func (w *Worker) Site() config.SiteConfig { return w.site }

// ListenPort 返回监听端口，用于转发头。
func (w *Worker) ListenPort() int { return w.listenPort }

// Upstream 返回站点上游地址。
func (w *Worker) Upstream() *url.URL { return w.upstreamURL }

// State 返回生命周期状态。
func (w *Worker) State() lifecycle.State { return w.lifecycle.State() }

// ShellName 返回 shell 缓存代名称。
func (w *Worker) ShellName() string { return w.env.ShellName }

// RuntimeName 返回运行时缓存代名称。
func (w *Worker) RuntimeName() string { return w.env.RuntimeName }

// Router 返回请求分类器。
func (w *Worker) Router() *router.Router { return w.router }

// Install 执行 install 阶段，期间的工作计入 WaitUntil。
func (w *Worker) Install(ctx context.Context) error {
	return w.WaitUntil(func() error {
		return w.lifecycle.Install(ctx)
	})
}

// Activate 执行 activate 阶段并返回被删除的缓存代。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	var deleted []string
	err := w.WaitUntil(func() error {
		var err error
		deleted, err = w.lifecycle.Activate(ctx)
		return err
	})
	return deleted, err
}

// Generations 返回存储中现有的缓存代名称，以及激活后应保留的名称。
func (w *Worker) Generations(ctx context.Context) (names, retained []string, err error) {
	names, err = w.store.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	return names, lifecycle.Retained(names, w.env.ShellName, w.env.RuntimeName), nil
}

// HandleFetch 对请求分类并交给对应的策略处理。跨源请求返回 ErrForeignHost；
// 非 GET 请求原样转发到上游且从不写缓存。
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (Result, error) {
	class := w.router.Classify(req)
	result := Result{Class: class}

	err := w.WaitUntil(func() error {
		var err error
		switch class {
		case router.ClassForeign:
			return ErrForeignHost
		case router.ClassPassthrough:
			result.Response, err = w.network.Fetch(ctx, req)
		default:
			key := w.router.Dispatch(class)
			s, ok := strategy.Resolve(key)
			if !ok {
				return fmt.Errorf("strategy %s is not registered", key)
			}
			result.Strategy = s.Key
			result.Response, err = s.Handle(ctx, w.env, req)
		}
		return err
	})
	return result, err
}

// WaitUntil 在 fn 返回前保持该实例存活，Drain 会等待所有此类工作结束。
func (w *Worker) WaitUntil(fn func() error) error {
	w.inflight.Add(1)
	defer w.inflight.Done()
	return fn()
}

// Drain 等待进行中的请求与缓存写入完成，ctx 到期时返回其错误。
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
