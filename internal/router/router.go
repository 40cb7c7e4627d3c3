// Package router classifies intercepted requests and picks the strategy that
// answers them. Classification is a pure function of the request and the site
// settings; nothing is persisted.
package router

import (
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/any-hub/offline-hub/internal/strategy"
)

// Class is the per-request tag computed at dispatch time.
type Class string

const (
	// ClassForeign: the request targets another host and is not intercepted.
	ClassForeign Class = "foreign"
	// ClassPassthrough: non-GET methods go straight to the upstream, never cached.
	ClassPassthrough Class = "passthrough"
	ClassNavigation  Class = "navigation"
	ClassMedia       Class = "media"
	ClassOther       Class = "other"
)

// Intercepted reports whether a strategy answers requests of this class.
func (c Class) Intercepted() bool {
	switch c {
	case ClassNavigation, ClassMedia, ClassOther:
		return true
	default:
		return false
	}
}

// Router binds classification to one site: its host, media extensions and
// navigation policy.
type Router struct {
	origin     string
	media      MediaMatcher
	navigation string
}

// New builds a Router. navigationPolicy is "cache-first" or "network-first";
// anything else falls back to cache-first.
func New(domain string, mediaExtensions []string, navigationPolicy string) *Router {
	origin, _ := NormalizeHost(domain)
	return &Router{
		origin:     origin,
		media:      NewMediaMatcher(mediaExtensions),
		navigation: NavigationStrategy(navigationPolicy),
	}
}

// Classify tags req for this router's site.
func (r *Router) Classify(req *http.Request) Class {
	return Classify(req, r.origin, r.media)
}

// Dispatch returns the strategy key for an intercepted class, or "" when the
// class is not intercepted.
func (r *Router) Dispatch(class Class) string {
	switch class {
	case ClassNavigation:
		return r.navigation
	case ClassMedia:
		return strategy.KeyNetworkFirst
	case ClassOther:
		return strategy.KeyCacheFirst
	default:
		return ""
	}
}

// Origin returns the normalized site host.
func (r *Router) Origin() string {
	return r.origin
}

// Classify applies the routing rules in order: foreign host, non-GET,
// navigation, media extension, everything else.
func Classify(req *http.Request, origin string, media MediaMatcher) Class {
	if !sameOrigin(req, origin) {
		return ClassForeign
	}
	if req.Method != http.MethodGet {
		return ClassPassthrough
	}
	if IsNavigation(req) {
		return ClassNavigation
	}
	if req.URL != nil && media.Match(req.URL.Path) {
		return ClassMedia
	}
	return ClassOther
}

// IsNavigation detects page loads. Sec-Fetch-Mode is authoritative when
// present; older clients without fetch metadata are recognized by an HTML
// Accept header.
func IsNavigation(req *http.Request) bool {
	mode := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")))
	if mode != "" {
		return mode == "navigate"
	}
	dest := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest")))
	if dest != "" && dest != "document" {
		return false
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html")
}

// NavigationStrategy maps the configured navigation policy to a strategy key.
func NavigationStrategy(policy string) string {
	if strings.EqualFold(strings.TrimSpace(policy), "network-first") {
		return strategy.KeyNavigationNetworkFirst
	}
	return strategy.KeyNavigationCacheFirst
}

func sameOrigin(req *http.Request, origin string) bool {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	normalized, _ := NormalizeHost(host)
	return normalized != "" && normalized == origin
}

// MediaMatcher matches URL paths by file extension, case-insensitively.
type MediaMatcher map[string]struct{}

// NewMediaMatcher accepts extensions with or without the leading dot.
func NewMediaMatcher(extensions []string) MediaMatcher {
	m := make(MediaMatcher, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			m[ext] = struct{}{}
		}
	}
	return m
}

// Match reports whether urlPath ends in a media extension. Callers pass the
// path without its query string.
func (m MediaMatcher) Match(urlPath string) bool {
	ext := path.Ext(urlPath)
	if len(ext) < 2 {
		return false
	}
	_, ok := m[strings.ToLower(ext[1:])]
	return ok
}

// NormalizeHost 将 Host 或 Host:port 规范化为小写主机名，并返回端口（未指定为 0）。
func NormalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
