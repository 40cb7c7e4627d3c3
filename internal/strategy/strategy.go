// Package strategy implements the fetch strategies that answer intercepted
// requests. Each strategy is a plain function over an Env carrying the
// generation store and the network capability, so strategies are tested with
// an in-memory store and fake fetchers.
//
// A nil response with a nil error is the absent result: nothing could be
// served, neither from the network nor from a cache.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/fetch"
)

// 内置策略键。
const (
	KeyNavigationCacheFirst   = "navigation-cache-first"
	KeyNavigationNetworkFirst = "navigation-network-first"
	KeyNetworkFirst           = "network-first"
	KeyCacheFirst             = "cache-first"
)

// Env 是策略执行所需的全部依赖。
type Env struct {
	Store   cache.Store
	Network fetch.Fetcher
	// ShellName/RuntimeName 是当前版本的两个缓存代名称。
	ShellName   string
	RuntimeName string
	// EntryKey 是入口文档的规范化缓存键，导航策略以它读写 shell 缓存代。
	EntryKey string
}

// Func answers one request.
type Func func(ctx context.Context, env Env, req *http.Request) (*fetch.Response, error)

// Strategy 记录策略的静态信息，供路由分发与诊断端使用。
type Strategy struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	// Writes 列出该策略可能写入的缓存代："shell"、"runtime" 或为空。
	Writes []string `json:"writes,omitempty"`
	Handle Func     `json:"-"`
}

func init() {
	MustRegister(Strategy{
		Key:         KeyNavigationCacheFirst,
		Description: "serve the cached entry document; on miss fetch it and store a copy in the shell generation",
		Writes:      []string{"shell"},
		Handle:      NavigationCacheFirst,
	})
	MustRegister(Strategy{
		Key:         KeyNavigationNetworkFirst,
		Description: "fetch the page; only when the network fails serve the cached entry document",
		Handle:      NavigationNetworkFirst,
	})
	MustRegister(Strategy{
		Key:         KeyNetworkFirst,
		Description: "fetch and store a copy in the runtime generation; on network failure serve the cached copy",
		Writes:      []string{"runtime"},
		Handle:      NetworkFirst,
	})
	MustRegister(Strategy{
		Key:         KeyCacheFirst,
		Description: "serve any cached copy without touching the network; on miss fetch and store in the runtime generation",
		Writes:      []string{"runtime"},
		Handle:      CacheFirst,
	})
}

// NavigationCacheFirst 先查 shell 缓存代中的入口文档；未命中时请求网络，
// 将可缓存的响应副本以 EntryKey 写回 shell 缓存代。
func NavigationCacheFirst(ctx context.Context, env Env, req *http.Request) (*fetch.Response, error) {
	shell, err := env.Store.Open(ctx, env.ShellName)
	if err != nil {
		return nil, fmt.Errorf("open shell generation: %w", err)
	}
	if resp, err := matchIn(ctx, shell, env.EntryKey); resp != nil || err != nil {
		return resp, err
	}

	resp, err := env.Network.Fetch(ctx, fillRequest(req))
	if err != nil {
		return nil, err
	}
	return storeCopy(ctx, shell, env.EntryKey, resp)
}

// NavigationNetworkFirst 直接返回网络响应且不写缓存；仅在网络失败时回退到
// 已缓存的入口文档，两者都没有时返回空结果。
func NavigationNetworkFirst(ctx context.Context, env Env, req *http.Request) (*fetch.Response, error) {
	resp, err := env.Network.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, fetch.ErrNetwork) {
		return nil, err
	}
	return matchAny(ctx, env.Store, env.EntryKey)
}

// NetworkFirst 用于媒体资源：网络成功时写入运行时缓存代后返回；网络失败时
// 返回该请求键下的任意缓存副本，没有则返回空结果。
func NetworkFirst(ctx context.Context, env Env, req *http.Request) (*fetch.Response, error) {
	key := cache.KeyForURL(req.URL)

	resp, err := env.Network.Fetch(ctx, fillRequest(req))
	if err != nil {
		if !errors.Is(err, fetch.ErrNetwork) {
			return nil, err
		}
		return matchAny(ctx, env.Store, key)
	}

	runtime, err := env.Store.Open(ctx, env.RuntimeName)
	if err != nil {
		resp.Close()
		return nil, fmt.Errorf("open runtime generation: %w", err)
	}
	return storeCopy(ctx, runtime, key, resp)
}

// CacheFirst 在所有缓存代中查找请求键，命中则不访问网络；未命中时请求网络
// 并写入运行时缓存代。
func CacheFirst(ctx context.Context, env Env, req *http.Request) (*fetch.Response, error) {
	key := cache.KeyForURL(req.URL)
	if resp, err := matchAny(ctx, env.Store, key); resp != nil || err != nil {
		return resp, err
	}

	resp, err := env.Network.Fetch(ctx, fillRequest(req))
	if err != nil {
		return nil, err
	}

	runtime, err := env.Store.Open(ctx, env.RuntimeName)
	if err != nil {
		resp.Close()
		return nil, fmt.Errorf("open runtime generation: %w", err)
	}
	return storeCopy(ctx, runtime, key, resp)
}

// fillHeaders 是填充缓存时必须去掉的请求头：条件请求只会换来 304，
// Range 请求只会换来 206，两者都不可缓存。
var fillHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// fillRequest 返回用于填充缓存的请求副本，原请求不变。
func fillRequest(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	for _, name := range fillHeaders {
		out.Header.Del(name)
	}
	return out
}

// storeCopy 克隆响应，一份写入 gen，另一份返回给调用方。不可缓存的响应原样返回。
func storeCopy(ctx context.Context, gen cache.Generation, key string, resp *fetch.Response) (*fetch.Response, error) {
	if !resp.Cacheable() {
		return resp, nil
	}
	copied, err := resp.Clone()
	if err != nil {
		resp.Close()
		return nil, err
	}
	snapshot, err := fetch.Snapshot(key, copied)
	if err != nil {
		resp.Close()
		return nil, err
	}
	if err := gen.Put(ctx, snapshot); err != nil {
		resp.Close()
		return nil, fmt.Errorf("write %s to %s: %w", key, gen.Name(), err)
	}
	return resp, nil
}

func matchIn(ctx context.Context, gen cache.Generation, key string) (*fetch.Response, error) {
	snapshot, err := gen.Match(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fetch.FromSnapshot(snapshot), nil
}

func matchAny(ctx context.Context, store cache.Store, key string) (*fetch.Response, error) {
	snapshot, err := store.Match(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fetch.FromSnapshot(snapshot), nil
}
