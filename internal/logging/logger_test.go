package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/offline-hub/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "offline-hub.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline-hub.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestDiscardLoggerSilent(t *testing.T) {
	logger := Discard()
	if logger.Out == os.Stdout {
		t.Fatalf("Discard logger 不应输出到 stdout")
	}
	logger.WithFields(RequestFields("pages", "media", "network-first", true)).Error("ignored")
}

func TestRequestFieldsShape(t *testing.T) {
	fields := RequestFields("pages", "navigation", "navigation-cache-first", false)
	if fields["site"] != "pages" || fields["class"] != "navigation" {
		t.Fatalf("字段缺失: %v", fields)
	}
	if hit, ok := fields["cache_hit"].(bool); !ok || hit {
		t.Fatalf("cache_hit 应为 false: %v", fields)
	}
}
