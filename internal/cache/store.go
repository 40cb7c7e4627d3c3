package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Store 管理全部缓存代。所有实现都必须保证单条目写入的原子性：并发读者
// 要么看到旧快照，要么看到完整的新快照。
type Store interface {
	// Open 返回指定名称的缓存代，不存在时创建。
	Open(ctx context.Context, name string) (Generation, error)

	// Match 按缓存代创建顺序查找 key，返回第一个命中。未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Snapshot, error)

	// Keys 按创建顺序返回所有缓存代名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存代及其条目，返回该缓存代此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Generation 是单个缓存代的句柄。
type Generation interface {
	Name() string

	// Match 仅在当前缓存代内查找 key。
	Match(ctx context.Context, key string) (*Snapshot, error)

	// Put 以 snapshot.Key 为键整体覆盖写入，重复写入同一快照是幂等的。
	Put(ctx context.Context, snapshot Snapshot) error

	// PutAll 批量写入，失败时不保留本批次的任何条目。
	PutAll(ctx context.Context, snapshots []Snapshot) error
}

// Snapshot 是某个响应在写入缓存时刻的不可变副本。
type Snapshot struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，保证缓存内部的快照不会被调用方修改。
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = s.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Body = append([]byte(nil), s.Body...)
	return out
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// Loader 为 AddAll 提供按 key 获取响应快照的能力，通常由网络层实现。
type Loader interface {
	Load(ctx context.Context, key string) (Snapshot, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, key string) (Snapshot, error)

// Load makes LoaderFunc satisfy Loader.
func (f LoaderFunc) Load(ctx context.Context, key string) (Snapshot, error) {
	return f(ctx, key)
}

// AddAll 并发加载全部 key 后一次性写入 gen。任意一个加载失败则整体失败，
// 且不写入任何条目；失败不会重试。
func AddAll(ctx context.Context, gen Generation, loader Loader, keys []string) error {
	if gen == nil || loader == nil {
		return errors.New("generation and loader required")
	}

	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, raw := range keys {
		key := NormalizeKey(raw)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}

	snapshots := make([]Snapshot, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range unique {
		g.Go(func() error {
			snapshot, err := loader.Load(gctx, key)
			if err != nil {
				return fmt.Errorf("load %s: %w", key, err)
			}
			snapshot.Key = key
			snapshots[i] = snapshot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return gen.PutAll(ctx, snapshots)
}

// NormalizeKey 将请求目标（绝对 URL 或站内路径）规范化为缓存键：
// 清理后的路径 + 原始查询串，丢弃 fragment，保留结尾斜杠，"./" 与 "" 视为 "/"。
func NormalizeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
			raw = raw[:idx]
		}
		return KeyForURL(&url.URL{Path: raw})
	}
	return KeyForURL(u)
}

// KeyForURL 对已解析的 URL 计算缓存键，忽略 scheme 与 host。
func KeyForURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.Path
	trailing := p == "" || p == "." || strings.HasSuffix(p, "/")
	clean := path.Clean("/" + p)
	if trailing && clean != "/" {
		clean += "/"
	}
	if u.RawQuery != "" {
		clean += "?" + u.RawQuery
	}
	return clean
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
