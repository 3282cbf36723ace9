package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/config"
	"github.com/atlas-ai/atlas-cache/internal/server"
	"github.com/atlas-ai/atlas-cache/internal/worker"
)

type fakeStatusSource struct {
	status     worker.Status
	partitions []worker.PartitionInfo
	err        error
}

func (f *fakeStatusSource) Status() worker.Status {
	return f.status
}

func (f *fakeStatusSource) Partitions(context.Context) ([]worker.PartitionInfo, error) {
	return f.partitions, f.err
}

func newStatusApp(t *testing.T, source StatusSource) *fiber.App {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Worker: config.WorkerConfig{
			Origin:    "https://atlas.example.com",
			AppDomain: "atlas.local",
			CDNHosts:  []string{"fonts.gstatic.com"},
		},
	}
	registry, err := server.NewTargetRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.Target) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	RegisterStatusRoutes(app, registry, source)
	return app
}

func TestStatusReportsWorkerPartitionsAndTargets(t *testing.T) {
	source := &fakeStatusSource{
		status: worker.Status{State: worker.StateActivated, Controlling: true, CacheName: "atlas-ai-v1"},
		partitions: []worker.PartitionInfo{
			{Name: "atlas-ai-v1", Entries: 4, Role: "static"},
			{Name: "atlas-ai-runtime", Entries: 2, Role: "runtime"},
		},
	}
	app := newStatusApp(t, source)

	req := httptest.NewRequest("GET", "http://127.0.0.1:5000/-/status", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Worker     worker.Status          `json:"worker"`
		Partitions []worker.PartitionInfo `json:"partitions"`
		Targets    []targetPayload        `json:"targets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Worker.State != worker.StateActivated || !payload.Worker.Controlling {
		t.Fatalf("unexpected worker status: %+v", payload.Worker)
	}
	if len(payload.Partitions) != 2 || payload.Partitions[0].Entries != 4 {
		t.Fatalf("unexpected partitions: %+v", payload.Partitions)
	}
	if len(payload.Targets) != 2 || payload.Targets[0].Kind != "app" || payload.Targets[1].Upstream != "https://fonts.gstatic.com" {
		t.Fatalf("unexpected targets: %+v", payload.Targets)
	}
}

func TestStatusReportsStorageFailure(t *testing.T) {
	app := newStatusApp(t, &fakeStatusSource{err: errors.New("disk gone")})

	req := httptest.NewRequest("GET", "http://127.0.0.1:5000/-/status/partitions", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}
