package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAllowsGrantedRole(t *testing.T) {
	handler := Require(auth.CapAlertsResolve)(okHandler())

	req := httptest.NewRequest(http.MethodPatch, "/v1/alerts/a1/resolve", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{Username: "ana", Role: model.RoleAnalyst}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRejectsMissingCapability(t *testing.T) {
	handler := Require(auth.CapUsersManage)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{Username: "agent", Role: model.RoleAgent}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireRejectsAnonymous(t *testing.T) {
	rr := httptest.NewRecorder()
	Require(auth.CapRulesRead)(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/rules", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestAuthenticate(t *testing.T) {
	tokens, err := auth.NewTokens("unit-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := tokens.Generate(model.User{ID: "u1", Username: "ana", Role: model.RoleAnalyst})
	if err != nil {
		t.Fatal(err)
	}

	var seen auth.Principal
	handler := Authenticate(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
	if seen.Username != "ana" || seen.Role != model.RoleAnalyst || seen.UserID != "u1" {
		t.Fatalf("unexpected principal: %+v", seen)
	}
}
