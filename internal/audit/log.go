// Package audit records who performed which mutating operation. Audit is a
// write-only side channel: a failing sink never fails the operation that
// produced the entry.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
)

// Actions recorded by the core.
const (
	ActionImport      = "IMPORT_CSV"
	ActionDetection   = "DETECTION_RUN"
	ActionCreateRule  = "CREATE_RULE"
	ActionUpdateRule  = "UPDATE_RULE"
	ActionDeleteRule  = "DELETE_RULE"
	ActionResolve     = "RESOLVE_ALERT"
	ActionCreateUser  = "CREATE_USER"
	ActionUpdateUser  = "UPDATE_USER"
	ActionLogin       = "LOGIN"
	ActionLoginFailed = "LOGIN_FAILED"
)

// Sink receives audit actions.
type Sink interface {
	LogAction(ctx context.Context, actorUsername, actorRole, action, details string) error
}

// Actor identifies who triggered an operation.
type Actor struct {
	Username string
	Role     string
}

// System is the actor used when the context carries none.
var System = Actor{Username: "System", Role: "SYSTEM"}

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithActor attributes subsequent audit actions to a.
func WithActor(ctx context.Context, a Actor) context.Context {
	if strings.TrimSpace(a.Username) == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the attributed actor or System.
func ActorFromContext(ctx context.Context) Actor {
	if ctx != nil {
		if a, ok := ctx.Value(actorKey).(Actor); ok {
			return a
		}
	}
	return System
}

// Record sends one action to sink on behalf of the context's actor. Sink
// failures are logged and swallowed.
func Record(ctx context.Context, sink Sink, action, details string) {
	if sink == nil {
		return
	}
	a := ActorFromContext(ctx)
	if err := sink.LogAction(ctx, a.Username, a.Role, action, details); err != nil {
		obs.Logger().WarnContext(ctx, "audit sink failed", "action", action, "err", err)
	}
}

// LogSink writes audit actions as structured log lines.
type LogSink struct{}

func (LogSink) LogAction(ctx context.Context, actorUsername, actorRole, action, details string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("action name is required")
	}
	attrs := []any{
		"type", "audit",
		"action", action,
		"actor", actorUsername,
		"role", actorRole,
		"details", details,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, "request_id", rid)
	}
	obs.Logger().InfoContext(ctx, "audit", attrs...)
	return nil
}

// GraphSink persists audit actions as LogEntry nodes.
type GraphSink struct {
	Store graph.Store
}

func (s GraphSink) LogAction(ctx context.Context, actorUsername, actorRole, action, details string) error {
	_, err := s.Store.CreateNode(ctx, graph.LabelLogEntry, graph.Props{
		model.PropAction:    action,
		model.PropUsername:  actorUsername,
		model.PropRole:      actorRole,
		model.PropDetails:   details,
		model.PropCreatedAt: graph.FormatTime(time.Now()),
	})
	return err
}

// Recent returns up to limit entries, newest first.
func (s GraphSink) Recent(ctx context.Context, limit int) ([]model.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	nodes, err := s.Store.FindNodes(ctx, graph.LabelLogEntry, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.LogEntry, 0, limit)
	for i := len(nodes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, model.LogEntryFromNode(nodes[i]))
	}
	return out, nil
}

// Multi fans an action out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) LogAction(ctx context.Context, actorUsername, actorRole, action, details string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.LogAction(ctx, actorUsername, actorRole, action, details); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
