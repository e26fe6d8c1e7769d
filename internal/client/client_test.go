package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fraudgraph.org/internal/app"
	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/httpapi"
	"fraudgraph.org/internal/sim"
)

func TestErrorUnwrapsToSentinel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tc := range cases {
		var err error = &Error{Status: tc.status, Message: "x"}
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v", tc.status, tc.want)
		}
	}
	if errors.Unwrap(&Error{Status: http.StatusBadRequest}) != nil {
		t.Fatal("400 should not map to a sentinel")
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	a, err := app.New(ctx, config.Config{Store: config.Store{Driver: config.DriverMemory}})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { a.Close(ctx) })

	users := auth.NewDirectory(a.Store, a.Audit, auth.WithBcryptCost(bcrypt.MinCost))
	if _, err := users.EnsureAdmin(ctx, "admin", "correct-horse"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	tokens, err := auth.NewTokens("client-test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	api := httpapi.New(httpapi.Services{
		Ready:  a.Store,
		Ingest: a.Ingest,
		Rules:  a.Rules,
		Engine: a.Engine,
		Alerts: a.Alerts,
		Query:  a.Query,
		Users:  users,
		Tokens: tokens,
		Logs:   a.Logs,
		Hub:    a.Hub,
	}, httpapi.Options{Version: "test", RatePerSecond: 1000, RateBurst: 1000})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestIngestDetectAndListAlerts(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := New(srv.URL, WithHTTPClient(srv.Client()))

	if err := c.Healthy(ctx); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
	if _, err := c.Detect(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before login, got %v", err)
	}
	if err := c.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for a bad password, got %v", err)
	}
	if err := c.Login(ctx, "admin", "correct-horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	g := sim.NewGenerator(11)
	batch := g.Plant(sim.PatternHighAmount)
	batch = append(batch, g.Normal())

	report, err := c.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.Processed != len(batch) || report.Errors != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	stats, err := c.Detect(ctx)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if stats.NewAlerts != 1 {
		t.Fatalf("expected one alert, got %+v", stats)
	}
	list, err := c.Alerts(ctx, "NEW", 10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(list) != 1 || list[0].TxID != batch[0].TxID {
		t.Fatalf("unexpected alerts: %+v", list)
	}
}
