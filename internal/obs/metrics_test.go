package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/rules":                     "/v1/rules",
		"/v1/rules/01HX":                "/v1/rules/:id",
		"/v1/alerts/01HX/resolve":       "/v1/alerts/:id/resolve",
		"/v1/alerts/stream":             "/v1/alerts/stream",
		"/v1/transactions/TX-1?limit=3": "/v1/transactions/:id",
		"/v1/users/alice/status":        "/v1/users/:id/status",
		"/v1/users/alice/status/extra":  "/v1/users/alice/status/extra",
		"/v1/detect":                    "/v1/detect",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(alertsCreated.WithLabelValues("MONTANT_ELEVE", "HIGH"))
	AlertCreated("MONTANT_ELEVE", "HIGH")
	AlertCreated("MONTANT_ELEVE", "HIGH")
	if got := testutil.ToFloat64(alertsCreated.WithLabelValues("MONTANT_ELEVE", "HIGH")); got != before+2 {
		t.Fatalf("alerts created: got %v want %v", got, before+2)
	}

	runsBefore := testutil.ToFloat64(detectionRuns.WithLabelValues("ok"))
	DetectionRun("ok", 15*time.Millisecond)
	if got := testutil.ToFloat64(detectionRuns.WithLabelValues("ok")); got != runsBefore+1 {
		t.Fatalf("detection runs: got %v want %v", got, runsBefore+1)
	}
}
