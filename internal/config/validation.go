package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStoreDrivers = map[string]struct{}{
	StoreDriverFS:     {},
	StoreDriverSQLite: {},
	StoreDriverMemory: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStoreDrivers[g.StoreDriver]; !ok {
		return newFieldError("Global.StoreDriver", "仅支持 fs|sqlite|memory")
	}
	if g.StoreDriver != StoreDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ShutdownTimeout.DurationValue() < 0 {
		return newFieldError("Global.ShutdownTimeout", "不能为负数")
	}

	return c.Site.validate()
}

func (s SiteConfig) validate() error {
	if err := validateDomain(s.Domain); err != nil {
		return fmt.Errorf("%s: %w", siteField("Domain"), err)
	}
	if err := validateUpstream(s.Upstream); err != nil {
		return fmt.Errorf("%s: %w", siteField("Upstream"), err)
	}
	if s.Proxy != "" {
		if err := validateUpstream(s.Proxy); err != nil {
			return fmt.Errorf("%s: %w", siteField("Proxy"), err)
		}
	}
	if s.Version == "" && (s.ShellCache == "" || s.RuntimeCache == "") {
		return newFieldError(siteField("Version"), "未显式配置 ShellCache/RuntimeCache 时不能为空")
	}
	if s.ShellCacheName() == s.RuntimeCacheName() {
		return newFieldError(siteField("RuntimeCache"), "不能与 shell 缓存代同名")
	}
	for _, asset := range s.ShellAssets {
		if err := validateSitePath(asset); err != nil {
			return fmt.Errorf("%s: %w", siteField("ShellAssets"), err)
		}
	}
	if err := validateSitePath(s.EntryDocument); err != nil {
		return fmt.Errorf("%s: %w", siteField("EntryDocument"), err)
	}
	switch s.NavigationPolicy {
	case NavigationCacheFirst, NavigationNetworkFirst:
	default:
		return newFieldError(siteField("NavigationPolicy"), "仅支持 cache-first/network-first")
	}
	for _, ext := range s.MediaExtensions {
		if ext == "" || strings.ContainsAny(ext, "/?. ") {
			return newFieldError(siteField("MediaExtensions"), fmt.Sprintf("非法扩展名: %q", ext))
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateSitePath 拒绝跨源的绝对 URL，shell 资源必须位于站点内部。
func validateSitePath(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("路径不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return fmt.Errorf("仅支持站点内相对路径: %s", raw)
	}
	return nil
}
