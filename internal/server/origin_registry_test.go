package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/agent"
	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/config"
)

func registryConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   5000,
			MaxEntrySize: 1 << 20,
		},
		Origins: []config.OriginConfig{
			{
				Name:           "portal",
				Domain:         "portal.hub.local",
				Upstream:       "https://portal.example.com",
				CacheNamespace: "shell-v1",
				Manifest:       []string{"/index.html", "app.js"},
			},
			{
				Name:           "admin",
				Domain:         "admin.hub.local",
				Upstream:       "https://admin.example.com",
				CacheNamespace: "admin-v7",
			},
		},
	}
}

func TestOriginRegistryLookupByHost(t *testing.T) {
	cfg := registryConfig()
	registry, err := NewOriginRegistry(cfg, RegistryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("portal.hub.local")
	if !ok {
		t.Fatalf("expected portal route")
	}
	if route.Config.Name != "portal" {
		t.Errorf("wrong origin returned: %s", route.Config.Name)
	}
	if route.UpstreamURL.String() != "https://portal.example.com" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}
	if route.Controller == nil || route.Controller.Origin() != "portal" {
		t.Fatalf("expected controller bound to portal")
	}

	if byName, ok := registry.ByName("admin"); !ok || byName.Config.Domain != "admin.hub.local" {
		t.Fatalf("expected admin route by name")
	}
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestOriginRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewOriginRegistry(registryConfig(), RegistryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Lookup("Portal.Hub.Local.:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port and case")
	}
}

func TestOriginRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := registryConfig()
	cfg.Origins[1].Domain = "portal.hub.local"

	if _, err := NewOriginRegistry(cfg, RegistryOptions{}); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestOriginRegistryDeployAllPrecachesManifest(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var requested []string
	network := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		requested = append(requested, req.URL.String())
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("body of " + req.URL.Path)),
			Request:    req,
		}, nil
	})
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := NewOriginRegistry(registryConfig(), RegistryOptions{Store: store, Network: network, Logger: logger})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(registry.Close)

	reports, err := registry.DeployAll(context.Background())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 deploy reports, got %d", len(reports))
	}
	if reports[0].Install.Cached != 2 {
		t.Fatalf("expected portal manifest to be cached, got %+v", reports[0].Install)
	}
	want := []string{"https://portal.example.com/index.html", "https://portal.example.com/app.js"}
	if strings.Join(requested, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected precache requests: %v", requested)
	}

	route, _ := registry.ByName("portal")
	if status := route.Controller.Status(); status.Phase != agent.PhaseActive.String() || status.Namespace != "shell-v1" {
		t.Fatalf("unexpected controller status: %+v", status)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
