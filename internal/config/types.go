package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储后端取值。
const (
	StoreDriverFS     = "fs"
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// 导航请求策略取值：cache-first 先读缓存的入口文档，network-first 仅在离线时回退缓存。
const (
	NavigationCacheFirst   = "cache-first"
	NavigationNetworkFirst = "network-first"
)

// DefaultMediaExtensions 是走 network-first 策略的媒体文件扩展名。
var DefaultMediaExtensions = []string{
	"jpg", "jpeg", "png", "webp", "gif", "svg", "avif",
	"mp4", "webm", "ogv",
	"mp3", "m4a", "aac", "wav", "oga", "ogg",
}

// GlobalConfig 描述进程级运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreDriver     string   `mapstructure:"StoreDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// SiteConfig 描述被离线缓存的静态站点，以及缓存代的命名与策略。
type SiteConfig struct {
	Name             string   `mapstructure:"Name"`
	Domain           string   `mapstructure:"Domain"`
	Upstream         string   `mapstructure:"Upstream"`
	Proxy            string   `mapstructure:"Proxy"`
	Version          string   `mapstructure:"Version"`
	ShellCache       string   `mapstructure:"ShellCache"`
	RuntimeCache     string   `mapstructure:"RuntimeCache"`
	ShellAssets      []string `mapstructure:"ShellAssets"`
	EntryDocument    string   `mapstructure:"EntryDocument"`
	NavigationPolicy string   `mapstructure:"NavigationPolicy"`
	MediaExtensions  []string `mapstructure:"MediaExtensions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
}

// ShellCacheName 返回当前版本的 shell 缓存代名称，默认 shell-<Version>。
func (s SiteConfig) ShellCacheName() string {
	if name := strings.TrimSpace(s.ShellCache); name != "" {
		return name
	}
	return "shell-" + s.Version
}

// RuntimeCacheName 返回当前版本的运行时缓存代名称，默认 rt-<Version>。
func (s SiteConfig) RuntimeCacheName() string {
	if name := strings.TrimSpace(s.RuntimeCache); name != "" {
		return name
	}
	return "rt-" + s.Version
}
