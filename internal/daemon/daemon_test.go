package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rfarah/trim/internal/api"
	"github.com/rfarah/trim/internal/config"
	"github.com/rfarah/trim/internal/engine"
	"go.uber.org/fx"
)

// fakeServer serves just enough of the backend API for a full daemon
// lifecycle: empty collections plus a healthy ping.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	for _, path := range []string{"/conversations", "/posts", "/barbers", "/follows"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]any{})
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestDaemonLifecycle spins up the whole fx graph against a fake
// backend, sends a message through the engine, and shuts down cleanly.
func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := fakeServer(t)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.Sync.IntervalSeconds = 1
	cfg.Sync.ProbeIntervalSeconds = 1

	var eng *engine.Engine
	app := fx.New(
		Module(Params{SessionName: "test", UserID: "user-1", Token: "tok", Config: cfg}),
		fx.Populate(&eng),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}

	msg, err := eng.SendMessage("u2", "hello from the daemon")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.LocalID == "" {
		t.Error("message missing local id")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("app.Stop() error = %v", err)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// errors.
func TestFxModuleWiring(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := config.Default()
	cfg.API.BaseURL = "http://127.0.0.1:1"

	var client *api.Client
	app := fx.New(
		Module(Params{SessionName: "wiring", UserID: "user-1", Config: cfg}),
		fx.Populate(&client),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph failed to resolve: %v", err)
	}
	_ = client
}

// TestSecondDaemonRejected verifies the session lock keeps a second
// instance from opening the same session.
func TestSecondDaemonRejected(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := fakeServer(t)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL

	app1 := fx.New(
		Module(Params{SessionName: "solo", UserID: "user-1", Config: cfg}),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app1.Start(ctx); err != nil {
		t.Fatalf("first daemon failed to start: %v", err)
	}
	defer func() { _ = app1.Stop(context.Background()) }()

	app2 := fx.New(
		Module(Params{SessionName: "solo", UserID: "user-1", Config: cfg}),
		fx.NopLogger,
	)
	if err := app2.Start(ctx); err == nil {
		_ = app2.Stop(context.Background())
		t.Fatal("second daemon should fail to acquire the session lock")
	}
}
