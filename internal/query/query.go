// Package query serves the read side of the graph: transaction listings,
// transaction detail with its linked entities, and dashboard counts.
package query

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
)

var ErrTransactionNotFound = errors.New("transaction not found")

// DefaultLimit applies when ListTransactions is called without a limit.
const DefaultLimit = 50

// TxSummary is a transaction with the alerts raised on it.
type TxSummary struct {
	model.Transaction
	AccountID string        `json:"accountId,omitempty"`
	Alerts    []model.Alert `json:"alerts"`
}

// TxDetails is a transaction with every entity it is linked to.
type TxDetails struct {
	Transaction model.Transaction `json:"transaction"`
	Alerts      []model.Alert     `json:"alerts"`
	Account     *model.Account    `json:"account,omitempty"`
	Owner       *model.User       `json:"owner,omitempty"`
	Merchant    *model.Merchant   `json:"merchant,omitempty"`
	Device      *model.Device     `json:"device,omitempty"`
	IP          *model.IPAddress  `json:"ip,omitempty"`
}

// Stats are the dashboard counters.
type Stats struct {
	Transactions     int            `json:"transactions"`
	Accounts         int            `json:"accounts"`
	Users            int            `json:"users"`
	ActiveRules      int            `json:"activeRules"`
	Alerts           int            `json:"alerts"`
	AlertsByStatus   map[string]int `json:"alertsByStatus"`
	AlertsBySeverity map[string]int `json:"alertsBySeverity"`
	AlertsByRule     map[string]int `json:"alertsByRule"`
	// ImportFiles counts audited imports; LastDetection is the time of the
	// latest audited detection run.
	ImportFiles   int        `json:"totalImportFiles"`
	LastDetection *time.Time `json:"lastDetection,omitempty"`
}

// Service answers read queries against a graph store.
type Service struct {
	store graph.Store
}

func New(store graph.Store) *Service { return &Service{store: store} }

// ListTransactions returns up to limit transactions, most recent date first.
func (s *Service) ListTransactions(ctx context.Context, limit int) ([]TxSummary, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	nodes, err := s.store.FindNodes(ctx, graph.LabelTransaction, nil)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	txs := make([]model.Transaction, len(nodes))
	for i, n := range nodes {
		txs[i] = model.TransactionFromNode(n)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date.After(txs[j].Date) })
	if len(txs) > limit {
		txs = txs[:limit]
	}

	out := make([]TxSummary, 0, len(txs))
	for _, tx := range txs {
		alerts, err := s.alertsOf(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		sum := TxSummary{Transaction: tx, Alerts: alerts}
		if acc, ok, err := s.one(ctx, tx.ID, graph.EdgePerformed, graph.Incoming); err != nil {
			return nil, err
		} else if ok {
			sum.AccountID = acc.Props.String(model.PropAccountID)
		}
		out = append(out, sum)
	}
	return out, nil
}

// TransactionDetails looks a transaction up by its business id.
func (s *Service) TransactionDetails(ctx context.Context, txID string) (TxDetails, error) {
	txID = strings.TrimSpace(txID)
	n, err := s.store.GetNodeByKey(ctx, graph.LabelTransaction, txID)
	if errors.Is(err, graph.ErrNodeNotFound) {
		return TxDetails{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if err != nil {
		return TxDetails{}, err
	}

	d := TxDetails{Transaction: model.TransactionFromNode(n)}
	if d.Alerts, err = s.alertsOf(ctx, n.ID); err != nil {
		return TxDetails{}, err
	}

	acc, ok, err := s.one(ctx, n.ID, graph.EdgePerformed, graph.Incoming)
	if err != nil {
		return TxDetails{}, err
	}
	if ok {
		a := model.AccountFromNode(acc)
		d.Account = &a
		owner, ok, err := s.one(ctx, acc.ID, graph.EdgeOwns, graph.Incoming)
		if err != nil {
			return TxDetails{}, err
		}
		if ok {
			u := model.UserFromNode(owner)
			d.Owner = &u
		}
	}
	if m, ok, err := s.one(ctx, n.ID, graph.EdgeToMerchant, graph.Outgoing); err != nil {
		return TxDetails{}, err
	} else if ok {
		v := model.MerchantFromNode(m)
		d.Merchant = &v
	}
	if dev, ok, err := s.one(ctx, n.ID, graph.EdgeFromDevice, graph.Outgoing); err != nil {
		return TxDetails{}, err
	} else if ok {
		v := model.DeviceFromNode(dev)
		d.Device = &v
	}
	if ip, ok, err := s.one(ctx, n.ID, graph.EdgeFromIP, graph.Outgoing); err != nil {
		return TxDetails{}, err
	} else if ok {
		v := model.IPFromNode(ip)
		d.IP = &v
	}
	return d, nil
}

// Stats counts the main entities and breaks alerts down by status, severity
// and rule.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		AlertsByStatus: map[string]int{
			string(model.AlertNew): 0, string(model.AlertValidated): 0, string(model.AlertRejected): 0,
		},
		AlertsBySeverity: map[string]int{
			string(model.SeverityMedium): 0, string(model.SeverityHigh): 0, string(model.SeverityCritical): 0,
		},
		AlertsByRule: map[string]int{},
	}
	counts := []struct {
		label graph.Label
		dst   *int
		pred  func(graph.Node) bool
	}{
		{graph.LabelTransaction, &st.Transactions, nil},
		{graph.LabelAccount, &st.Accounts, nil},
		{graph.LabelUser, &st.Users, nil},
		{graph.LabelRule, &st.ActiveRules, func(n graph.Node) bool { return n.Props.Bool(model.PropEnabled) }},
	}
	for _, c := range counts {
		nodes, err := s.store.FindNodes(ctx, c.label, c.pred)
		if err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", c.label, err)
		}
		*c.dst = len(nodes)
	}

	alerts, err := s.store.FindNodes(ctx, graph.LabelAlert, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("count alerts: %w", err)
	}
	st.Alerts = len(alerts)
	for _, n := range alerts {
		a := model.AlertFromNode(n)
		st.AlertsByStatus[string(a.Status)]++
		st.AlertsBySeverity[string(a.Severity)]++
		st.AlertsByRule[a.Rule]++
	}

	logs, err := s.store.FindNodes(ctx, graph.LabelLogEntry, func(n graph.Node) bool {
		switch n.Props.String(model.PropAction) {
		case audit.ActionImport, audit.ActionDetection:
			return true
		}
		return false
	})
	if err != nil {
		return Stats{}, fmt.Errorf("count log entries: %w", err)
	}
	for _, n := range logs {
		e := model.LogEntryFromNode(n)
		if e.Action == audit.ActionImport {
			st.ImportFiles++
			continue
		}
		if st.LastDetection == nil || e.CreatedAt.After(*st.LastDetection) {
			at := e.CreatedAt
			st.LastDetection = &at
		}
	}
	return st, nil
}

func (s *Service) alertsOf(ctx context.Context, txNodeID string) ([]model.Alert, error) {
	nodes, err := s.store.Traverse(ctx, txNodeID, graph.EdgeHasAlert, graph.Outgoing)
	if err != nil {
		return nil, err
	}
	out := make([]model.Alert, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, model.AlertFromNode(n))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) one(ctx context.Context, id string, typ graph.EdgeType, dir graph.Direction) (graph.Node, bool, error) {
	nodes, err := s.store.Traverse(ctx, id, typ, dir)
	if err != nil {
		return graph.Node{}, false, err
	}
	n, ok := graph.First(nodes)
	return n, ok, nil
}
