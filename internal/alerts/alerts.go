// Package alerts owns the review lifecycle of alerts: NEW moves to
// VALIDATED or REJECTED once, and both are final.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
)

var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrInvalidStatus   = errors.New("status must be VALIDATED or REJECTED")
	ErrAlreadyResolved = errors.New("alert already resolved")
)

// View is an alert joined with the transaction it was raised on.
type View struct {
	model.Alert
	TxID      string `json:"txId,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status model.AlertStatus
	Rule   string
	Limit  int
}

// Service resolves and lists alerts.
type Service struct {
	store graph.Store
	audit audit.Sink
	now   func() time.Time
}

// New creates a Service. sink may be nil.
func New(store graph.Store, sink audit.Sink) *Service {
	return &Service{store: store, audit: sink, now: func() time.Time { return time.Now().UTC() }}
}

// Resolve records an analyst decision on a NEW alert.
func (s *Service) Resolve(ctx context.Context, alertID string, status model.AlertStatus, comment, actorUsername string) (model.Alert, error) {
	status = model.AlertStatus(strings.ToUpper(strings.TrimSpace(string(status))))
	if !status.Terminal() {
		return model.Alert{}, fmt.Errorf("%w: got %q", ErrInvalidStatus, status)
	}
	if _, err := s.alertNode(ctx, alertID); err != nil {
		return model.Alert{}, err
	}

	now := s.now()
	node, err := s.store.UpdateNode(ctx, alertID, func(p graph.Props) (graph.Props, error) {
		if current := model.AlertStatus(p.String(model.PropStatus)); current.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, alertID, current)
		}
		p[model.PropStatus] = string(status)
		p[model.PropResolvedBy] = actorUsername
		p[model.PropResolvedAt] = graph.FormatTime(now)
		p[model.PropResolutionComment] = comment
		return p, nil
	})
	if err != nil {
		if errors.Is(err, graph.ErrNodeNotFound) {
			return model.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
		}
		return model.Alert{}, err
	}

	a := model.AlertFromNode(node)
	obs.AlertResolved(string(a.Status))
	audit.Record(ctx, s.audit, audit.ActionResolve, fmt.Sprintf("Alert %s (%s) marked as %s", a.ID, a.Rule, a.Status))
	return a, nil
}

func (s *Service) alertNode(ctx context.Context, id string) (graph.Node, error) {
	n, err := s.store.GetNode(ctx, id)
	if errors.Is(err, graph.ErrNodeNotFound) || (err == nil && n.Label != graph.LabelAlert) {
		return graph.Node{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return n, err
}

// Get returns one alert with its transaction context.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	n, err := s.alertNode(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, n)
}

// List returns matching alerts, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]View, error) {
	nodes, err := s.store.FindNodes(ctx, graph.LabelAlert, func(n graph.Node) bool {
		if f.Status != "" && model.AlertStatus(n.Props.String(model.PropStatus)) != f.Status {
			return false
		}
		return f.Rule == "" || n.Props.String(model.PropRule) == f.Rule
	})
	if err != nil {
		return nil, err
	}
	alerts := make([]model.Alert, len(nodes))
	byID := make(map[string]graph.Node, len(nodes))
	for i, n := range nodes {
		alerts[i] = model.AlertFromNode(n)
		byID[n.ID] = n
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if f.Limit > 0 && len(alerts) > f.Limit {
		alerts = alerts[:f.Limit]
	}

	out := make([]View, 0, len(alerts))
	for _, a := range alerts {
		v, err := s.view(ctx, byID[a.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) view(ctx context.Context, n graph.Node) (View, error) {
	v := View{Alert: model.AlertFromNode(n)}
	txs, err := s.store.Traverse(ctx, n.ID, graph.EdgeHasAlert, graph.Incoming)
	if err != nil {
		return View{}, err
	}
	tx, ok := graph.First(txs)
	if !ok {
		return v, nil
	}
	t := model.TransactionFromNode(tx)
	v.TxID, v.Amount, v.Currency = t.TxID, t.Amount.String(), t.Currency

	accs, err := s.store.Traverse(ctx, tx.ID, graph.EdgePerformed, graph.Incoming)
	if err != nil {
		return View{}, err
	}
	if acc, ok := graph.First(accs); ok {
		v.AccountID = acc.Key
		v.Owner = acc.Props.String(model.PropOwner)
	}
	return v, nil
}
