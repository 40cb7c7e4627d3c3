package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Fetcher 是网络抓取能力：给定请求描述返回响应，传输层失败时返回包装了
// ErrNetwork 的错误。HTTP 4xx/5xx 属于正常响应而不是失败。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client；proxyURL 非空时所有请求经由该出口代理。
func NewUpstreamClient(timeout time.Duration, proxyURL *url.URL) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := defaultTransport.Clone()
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// SiteFetcher 把站内请求（path + query）转发到站点真实的上游地址。
type SiteFetcher struct {
	client   *http.Client
	upstream *url.URL
}

// NewSiteFetcher 以 upstream 为基址构建站点抓取器。
func NewSiteFetcher(client *http.Client, upstream *url.URL) *SiteFetcher {
	return &SiteFetcher{client: client, upstream: upstream}
}

// Fetch 实现 Fetcher。
func (f *SiteFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	target := f.Resolve(req.URL)
	return do(ctx, f.client, req, target)
}

// Resolve 将请求路径拼接到 upstream 的路径前缀之后，例如
// https://user.github.io/site/ + /img/a.png → https://user.github.io/site/img/a.png。
func (f *SiteFetcher) Resolve(u *url.URL) *url.URL {
	clean := "/"
	rawQuery := ""
	if u != nil {
		clean = cache.KeyForURL(&url.URL{Path: u.Path})
		rawQuery = u.RawQuery
	}
	joined := path.Join("/", f.upstream.Path, clean)
	if strings.HasSuffix(clean, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return &url.URL{
		Scheme:   f.upstream.Scheme,
		Host:     f.upstream.Host,
		Path:     joined,
		RawQuery: rawQuery,
	}
}

// Load 实现 cache.Loader，供 install 阶段预热 shell 资源。非 2xx 响应视为失败。
func (f *SiteFetcher) Load(ctx context.Context, key string) (cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return cache.Snapshot{}, err
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return cache.Snapshot{}, err
	}
	if !resp.Cacheable() {
		resp.Close()
		return cache.Snapshot{}, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, key)
	}
	return Snapshot(key, resp)
}

func do(ctx context.Context, client *http.Client, in *http.Request, target *url.URL) (*Response, error) {
	body := in.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, in.Header)
	out.Header.Del("Accept-Encoding")
	out.ContentLength = in.ContentLength
	out.Host = target.Host

	resp, err := client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, in.Method, target.Redacted(), err)
	}
	return FromHTTP(resp), nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// privateHeaders 只属于单个访客，不能写入共享的缓存代。
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// StoredHeaders 返回写入缓存时保留的响应头。
func StoredHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	CopyHeaders(dst, src)
	for _, name := range privateHeaders {
		dst.Del(name)
	}
	return dst
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
