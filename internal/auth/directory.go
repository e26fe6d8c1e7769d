package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
)

// NewUser is the input of Directory.Create.
type NewUser struct {
	Username string     `json:"username" validate:"required,min=3,max=64"`
	Password string     `json:"password" validate:"required,min=8,max=72"`
	Role     model.Role `json:"role" validate:"required"`
}

// Directory manages operator accounts. Users are User nodes of the graph,
// the same label ingestion writes account owners under; ingested owners
// carry no password and cannot sign in.
type Directory struct {
	store    graph.Store
	audit    audit.Sink
	validate *validator.Validate
	cost     int
	now      func() time.Time
}

// DirectoryOption configures Directory.
type DirectoryOption func(*Directory)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) DirectoryOption {
	return func(d *Directory) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			d.cost = cost
		}
	}
}

// NewDirectory creates a Directory. sink may be nil.
func NewDirectory(store graph.Store, sink audit.Sink, opts ...DirectoryOption) *Directory {
	d := &Directory{
		store:    store,
		audit:    sink,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cost:     bcrypt.DefaultCost,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create registers an operator.
func (d *Directory) Create(ctx context.Context, in NewUser) (model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Role = model.Role(strings.ToUpper(strings.TrimSpace(string(in.Role))))
	if err := d.validate.Struct(in); err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.ContainsAny(in.Username, " /\t") {
		return model.User{}, fmt.Errorf("%w: username must not contain spaces or slashes", ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return model.User{}, fmt.Errorf("%w: unsupported role %s", ErrInvalidInput, in.Role)
	}
	hash, err := HashPassword(in.Password, d.cost)
	if err != nil {
		return model.User{}, err
	}

	n, created, err := d.store.UpsertNode(ctx, graph.LabelUser, in.Username, graph.Props{
		model.PropUsername:     in.Username,
		model.PropPasswordHash: hash,
		model.PropRole:         string(in.Role),
		model.PropStatus:       string(model.UserActive),
		model.PropCreatedAt:    graph.FormatTime(d.now()),
	})
	if err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	if !created {
		return model.User{}, fmt.Errorf("%w: %s", ErrUserExists, in.Username)
	}
	audit.Record(ctx, d.audit, audit.ActionCreateUser, fmt.Sprintf("User %s created with role %s", in.Username, in.Role))
	return model.UserFromNode(n), nil
}

// Get returns the user named username.
func (d *Directory) Get(ctx context.Context, username string) (model.User, error) {
	username = strings.TrimSpace(username)
	n, err := d.store.GetNodeByKey(ctx, graph.LabelUser, username)
	if errors.Is(err, graph.ErrNodeNotFound) {
		return model.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return model.User{}, err
	}
	return model.UserFromNode(n), nil
}

// List returns every user, newest first.
func (d *Directory) List(ctx context.Context) ([]model.User, error) {
	nodes, err := d.store.FindNodes(ctx, graph.LabelUser, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.User, len(nodes))
	for i, n := range nodes {
		out[i] = model.UserFromNode(n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetStatus activates or blocks a user.
func (d *Directory) SetStatus(ctx context.Context, username string, status model.UserStatus) (model.User, error) {
	status = model.UserStatus(strings.ToUpper(strings.TrimSpace(string(status))))
	if !status.Valid() {
		return model.User{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	u, err := d.set(ctx, username, model.PropStatus, string(status))
	if err != nil {
		return model.User{}, err
	}
	audit.Record(ctx, d.audit, audit.ActionUpdateUser, fmt.Sprintf("User %s status changed to %s", u.Username, status))
	return u, nil
}

// SetRole changes the role of a user.
func (d *Directory) SetRole(ctx context.Context, username string, role model.Role) (model.User, error) {
	role = model.Role(strings.ToUpper(strings.TrimSpace(string(role))))
	if !role.Valid() {
		return model.User{}, fmt.Errorf("%w: unsupported role %s", ErrInvalidInput, role)
	}
	u, err := d.set(ctx, username, model.PropRole, string(role))
	if err != nil {
		return model.User{}, err
	}
	audit.Record(ctx, d.audit, audit.ActionUpdateUser, fmt.Sprintf("Changed role of %s to %s", u.Username, role))
	return u, nil
}

func (d *Directory) set(ctx context.Context, username, key, value string) (model.User, error) {
	u, err := d.Get(ctx, username)
	if err != nil {
		return model.User{}, err
	}
	n, err := d.store.UpdateNode(ctx, u.ID, func(p graph.Props) (graph.Props, error) {
		p[key] = value
		return p, nil
	})
	if errors.Is(err, graph.ErrNodeNotFound) {
		return model.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return model.User{}, err
	}
	return model.UserFromNode(n), nil
}

// Authenticate checks a username and password. Unknown users, users without
// a password and wrong passwords all yield ErrInvalidCredentials; a blocked
// user yields ErrUserBlocked even with the right password.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (model.User, error) {
	u, err := d.Get(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return model.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.User{}, err
	}
	ctx = audit.WithActor(ctx, audit.Actor{Username: u.Username, Role: string(u.Role)})
	if u.Status == model.UserBlocked {
		audit.Record(ctx, d.audit, audit.ActionLoginFailed, "Blocked user attempted login")
		return model.User{}, ErrUserBlocked
	}
	if u.PasswordHash == "" || !u.Role.Valid() || VerifyPassword(u.PasswordHash, password) != nil {
		return model.User{}, ErrInvalidCredentials
	}
	audit.Record(ctx, d.audit, audit.ActionLogin, "User logged in")
	return u, nil
}

// EnsureAdmin creates username as ADMIN when no admin exists yet. It reports
// whether a user was created.
func (d *Directory) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return false, nil
	}
	admins, err := d.store.FindNodes(ctx, graph.LabelUser, func(n graph.Node) bool {
		return model.Role(n.Props.String(model.PropRole)) == model.RoleAdmin
	})
	if err != nil {
		return false, err
	}
	if len(admins) > 0 {
		return false, nil
	}
	_, err = d.Create(ctx, NewUser{Username: username, Password: password, Role: model.RoleAdmin})
	if errors.Is(err, ErrUserExists) {
		return false, nil
	}
	return err == nil, err
}
