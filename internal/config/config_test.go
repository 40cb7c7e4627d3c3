package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoreDriver != StoreDriverFS {
		t.Fatalf("StoreDriver 默认应为 fs，得到 %s", cfg.Global.StoreDriver)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应被解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.ShutdownTimeout.DurationValue() == 0 {
		t.Fatalf("ShutdownTimeout 应该自动填充默认值")
	}
	if cfg.Site.ShellCacheName() != "shell-v3" || cfg.Site.RuntimeCacheName() != "rt-v3" {
		t.Fatalf("缓存代名称应随版本变化: %s/%s", cfg.Site.ShellCacheName(), cfg.Site.RuntimeCacheName())
	}
	if len(cfg.Site.ShellAssets) != 1 || cfg.Site.ShellAssets[0] != "./" {
		t.Fatalf("ShellAssets 默认应为 ./，得到 %v", cfg.Site.ShellAssets)
	}
	if cfg.Site.EntryDocument != "./" {
		t.Fatalf("入口文档默认应为 ./，得到 %s", cfg.Site.EntryDocument)
	}
	if cfg.Site.NavigationPolicy != NavigationCacheFirst {
		t.Fatalf("NavigationPolicy 默认应为 cache-first")
	}
	if len(cfg.Site.MediaExtensions) != len(DefaultMediaExtensions) {
		t.Fatalf("MediaExtensions 应填充默认列表")
	}
}

func TestValidateRejectsMissingSite(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateStoreDriver(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		path      string
		shouldErr bool
	}{
		{"fs ok", StoreDriverFS, "./data", false},
		{"sqlite ok", StoreDriverSQLite, "./data", false},
		{"memory without path", StoreDriverMemory, "", false},
		{"fs without path", StoreDriverFS, "", true},
		{"unknown driver", "redis", "./data", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StoreDriver = tc.driver
			cfg.Global.StoragePath = tc.path
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateNavigationPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Site.NavigationPolicy = NavigationNetworkFirst
	if err := cfg.Validate(); err != nil {
		t.Fatalf("network-first 应合法: %v", err)
	}
	cfg.Site.NavigationPolicy = "stale-while-revalidate"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Site.NavigationPolicy" {
		t.Fatalf("未知导航策略应返回 FieldError，得到 %v", err)
	}
}

func TestValidateRejectsCrossOriginShellAsset(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ShellAssets = []string{"./", "https://cdn.example.com/app.js"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("跨源 shell 资源应被拒绝")
	}
}

func TestValidateRejectsSameGenerationNames(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ShellCache = "cache"
	cfg.Site.RuntimeCache = "cache"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("shell 与 runtime 同名应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StoreDriver:     StoreDriverFS,
			UpstreamTimeout: Duration(time.Second),
			ShutdownTimeout: Duration(time.Second),
		},
		Site: SiteConfig{
			Name:             "pages",
			Domain:           "pages.local",
			Upstream:         "https://example.github.io",
			Version:          "v1",
			ShellAssets:      []string{"./"},
			EntryDocument:    "./",
			NavigationPolicy: NavigationCacheFirst,
			MediaExtensions:  append([]string(nil), DefaultMediaExtensions...),
		},
	}
}
