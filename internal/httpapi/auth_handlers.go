package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/model"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      model.User `json:"user"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	u, err := a.svc.Users.Authenticate(r.Context(), username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	case errors.Is(err, auth.ErrUserBlocked):
		writeError(w, r, http.StatusForbidden, "account is blocked")
		return
	case err != nil:
		fail(w, r, err)
		return
	}

	token, expiresAt, err := a.svc.Tokens.Generate(u)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt, User: u}, "")
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.Users.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, users, "")
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.svc.Users.Create(r.Context(), auth.NewUser{
		Username: req.Username,
		Password: req.Password,
		Role:     model.Role(req.Role),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+u.Username)
	ok(w, http.StatusCreated, u, "User created")
}

func (a *API) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := chi.URLParam(r, "username")
	if p, found := auth.PrincipalFromContext(r.Context()); found && p.Username == username {
		writeError(w, r, http.StatusBadRequest, "cannot change your own status")
		return
	}
	status := model.UserStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	u, err := a.svc.Users.SetStatus(r.Context(), username, status)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, u, "User status updated")
}

func (a *API) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := chi.URLParam(r, "username")
	if p, found := auth.PrincipalFromContext(r.Context()); found && p.Username == username {
		writeError(w, r, http.StatusBadRequest, "cannot change your own role")
		return
	}
	role := model.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	u, err := a.svc.Users.SetRole(r.Context(), username, role)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, u, "User role updated")
}
