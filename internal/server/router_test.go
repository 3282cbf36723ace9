package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://atlas.local:5000/pricing", nil)
	req.Host = "atlas.local:5000"
	req.Header.Set("Host", "atlas.local:5000")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Atlas-Host"))
	}

	if app.storage.lastTarget == nil || app.storage.lastTarget.Kind != TargetApp {
		t.Fatalf("expected app target, got %+v", app.storage.lastTarget)
	}
	if app.storage.lastTarget.BaseURL.String() != "https://atlas.example.com" {
		t.Fatalf("app target should forward to origin, got %s", app.storage.lastTarget.BaseURL)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/v2/", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if app.storage.lastTarget != nil {
		t.Fatalf("unmapped host must not reach the proxy handler")
	}
}

func TestRouterResolvesCDNAndPassthroughHosts(t *testing.T) {
	app := newTestApp(t, 5000)

	cases := map[string]TargetKind{
		"fonts.gstatic.com": TargetCDN,
		"CDN.jsdelivr.net.": TargetCDN,
		"api.cal.com":       TargetPassthrough,
	}
	for host, kind := range cases {
		req := httptest.NewRequest("GET", "http://"+host+"/x", nil)
		req.Host = host
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", host, resp.StatusCode)
		}
		target := app.storage.lastTarget
		if target.Kind != kind {
			t.Fatalf("%s: expected %s target, got %s", host, kind, target.Kind)
		}
		if target.BaseURL.Scheme != "https" || target.BaseURL.Host != target.Host {
			t.Fatalf("%s: cross-origin target should use https://host, got %s", host, target.BaseURL)
		}
	}
}

func TestRouterSkipsHostLookupForDiagnostics(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("diagnostics path should bypass host lookup, got %d", resp.StatusCode)
	}
}

func TestTargetURLForKeepsQuery(t *testing.T) {
	registry := newTestRegistry(t)
	target, ok := registry.Lookup("fonts.googleapis.com")
	if !ok {
		t.Fatalf("lookup failed")
	}
	got := target.URLFor("/css2", "family=Inter&display=swap").String()
	if got != "https://fonts.googleapis.com/css2?family=Inter&display=swap" {
		t.Fatalf("unexpected url: %s", got)
	}
	if len(registry.List()) != 5 {
		t.Fatalf("expected 5 targets, got %d", len(registry.List()))
	}
}

func TestTargetURLForKeepsEncodedPath(t *testing.T) {
	registry := newTestRegistry(t)
	target, ok := registry.Lookup("cdn.jsdelivr.net")
	if !ok {
		t.Fatalf("lookup failed")
	}
	got := target.URLFor("/npm/pkg%2Fsub/a%20b.js", "").String()
	if got != "https://cdn.jsdelivr.net/npm/pkg%2Fsub/a%20b.js" {
		t.Fatalf("encoded path should be preserved, got %s", got)
	}
}

func TestNewTargetRegistryRejectsDuplicateHosts(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Worker.PassthroughHosts = []string{"fonts.gstatic.com"}
	if _, err := NewTargetRegistry(cfg); err == nil {
		t.Fatalf("duplicate host should be rejected")
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, err := NewTargetRegistry(testConfig(port))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if _, ok := registry.Lookup("atlas.local"); !ok {
		t.Fatalf("registry lookup failed for app domain")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort: port,
		},
		Worker: config.WorkerConfig{
			Origin:           "https://atlas.example.com",
			AppDomain:        "atlas.local",
			CDNHosts:         config.DefaultCDNHosts(),
			PassthroughHosts: []string{"api.cal.com"},
		},
	}
}

func newTestRegistry(t *testing.T) *TargetRegistry {
	t.Helper()
	registry, err := NewTargetRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry
}

type proxyRecorder struct {
	lastTarget *Target
}

func (p *proxyRecorder) Handle(c fiber.Ctx, target *Target) error {
	p.lastTarget = target
	return c.SendStatus(fiber.StatusNoContent)
}
