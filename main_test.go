package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/config"
	"github.com/atlas-ai/atlas-cache/internal/server"
	"github.com/atlas-ai/atlas-cache/internal/worker"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("ATLAS_CACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "Worker.Origin") {
		t.Fatalf("错误输出应指明字段，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "atlas-cache") {
		t.Fatalf("version 输出应包含 atlas-cache 标识")
	}
}

func TestRunInstallsAndActivatesBeforeListening(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "asset %s", r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StoragePath = "%s"
StorageDriver = "sqlite"

[Worker]
Origin = "%s"
AppDomain = "atlas.local"
`, filepath.Join(dir, "storage"), origin.URL))

	var served bool
	stubListen(t, func(cfg *config.Config, registry *server.TargetRegistry, w *worker.Worker, _ *logrus.Logger) error {
		served = true
		if !w.Controlling() {
			t.Fatalf("worker should control clients before the server starts")
		}
		if _, ok := registry.Lookup("atlas.local:5000"); !ok {
			t.Fatalf("app domain should be registered")
		}
		partitions, err := w.Partitions(context.Background())
		if err != nil {
			t.Fatalf("partitions error: %v", err)
		}
		if len(partitions) != 1 || partitions[0].Name != cfg.Worker.CacheName || partitions[0].Entries != 4 {
			t.Fatalf("static partition should hold the default assets, got %+v", partitions)
		}
		return nil
	})

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath}); code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	if !served {
		t.Fatalf("HTTP 服务应被启动")
	}
}

func TestRunFailsWhenInstallFails(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/assets/logo.svg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(origin.Close)

	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StorageDriver = "memory"

[Worker]
Origin = "%s"
`, origin.URL))

	stubListen(t, func(*config.Config, *server.TargetRegistry, *worker.Worker, *logrus.Logger) error {
		t.Fatalf("安装失败时不应启动 HTTP 服务")
		return nil
	})

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath}); code != 1 {
		t.Fatalf("安装失败应返回退出码 1，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "/assets/logo.svg") {
		t.Fatalf("错误输出应包含失败的资源路径，得到 %s", stdErrBuffer().String())
	}
}
