package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func hubConfigWithLog(t *testing.T, logPath, storage string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 5000

[Sync]
Endpoint = "https://api.portal.example.org/api/issues"

[[Origin]]
Name = "portal"
Domain = "portal.local"
Upstream = "https://portal.example.org"
CacheNamespace = "shell-v1"
`, logPath, storage))
}

func TestCheckConfigSurvivesUnwritableLogPath(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	configPath := hubConfigWithLog(t, filepath.Join(blocked, "sub", "issue-hub.log"), filepath.Join(dir, "storage"))

	useBufferWriters(t)
	if code := execute([]string{"--config", configPath, "check-config"}); code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d: %s", code, stdErrBuffer().String())
	}
}

func TestCheckConfigWritesToConfiguredLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "issue-hub.log")
	configPath := hubConfigWithLog(t, logPath, filepath.Join(dir, "storage"))

	useBufferWriters(t)
	if code := execute([]string{"--config", configPath, "check-config"}); code != 0 {
		t.Fatalf("check-config 失败: %s", stdErrBuffer().String())
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("预期写入日志文件: %v", err)
	}
	for _, want := range []string{`"action":"check_config"`, `"service":"issue-hub"`, `"origins":["portal:shell-v1"]`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("日志缺少 %s: %s", want, data)
		}
	}
}
