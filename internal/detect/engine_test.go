package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/rules"
	"fraudgraph.org/internal/stream"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type txSpec struct {
	id, account, device, ip, amount string
	at                              time.Duration
}

func record(s txSpec) ingest.Record {
	if s.device == "" {
		s.device = "DEV-" + s.account
	}
	if s.ip == "" {
		s.ip = "IP-" + s.account
	}
	if s.amount == "" {
		s.amount = "10"
	}
	return ingest.Record{
		UserName:   "owner-" + s.account,
		AccountID:  s.account,
		MerchantID: "M-1",
		DeviceID:   s.device,
		IPAddress:  s.ip,
		TxID:       s.id,
		Amount:     ingest.Text(s.amount),
		Currency:   "EUR",
		Date:       base.Add(s.at).Format(time.RFC3339),
		Status:     "COMPLETED",
	}
}

type fixture struct {
	store   *graph.Memory
	catalog *rules.Catalog
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := graph.NewMemory()
	catalog := rules.New(store, nil)
	return &fixture{store: store, catalog: catalog, engine: New(store, catalog, opts...)}
}

func (f *fixture) load(t *testing.T, specs ...txSpec) {
	t.Helper()
	recs := make([]ingest.Record, len(specs))
	for i, s := range specs {
		recs[i] = record(s)
	}
	rep, err := ingest.New(f.store, nil).Ingest(context.Background(), recs)
	if err != nil || rep.Errors != 0 {
		t.Fatalf("ingest: %+v %v", rep, err)
	}
}

func (f *fixture) rule(t *testing.T, d rules.Draft) rules.Rule {
	t.Helper()
	r, err := f.catalog.Create(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) run(t *testing.T) RunStats {
	t.Helper()
	stats, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return stats
}

// alertsOn returns the alerts attached to txID.
func (f *fixture) alertsOn(t *testing.T, txID string) []model.Alert {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.GetNodeByKey(ctx, graph.LabelTransaction, txID)
	if err != nil {
		t.Fatal(err)
	}
	nodes, _ := f.store.Traverse(ctx, tx.ID, graph.EdgeHasAlert, graph.Outgoing)
	out := make([]model.Alert, len(nodes))
	for i, n := range nodes {
		out[i] = model.AlertFromNode(n)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestAmountThresholdBoundary(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: string(rules.TypeHighAmount), Type: rules.TypeHighAmount})
	f.load(t,
		txSpec{id: "AT", account: "A", amount: "10000.00"},
		txSpec{id: "ABOVE", account: "A", amount: "10000.01", at: time.Hour},
	)

	stats := f.run(t)
	if stats.RulesExecuted != 1 || stats.NewAlerts != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := f.alertsOn(t, "AT"); len(got) != 0 {
		t.Fatalf("amount equal to threshold must not alert: %+v", got)
	}
	got := f.alertsOn(t, "ABOVE")
	if len(got) != 1 || got[0].Severity != model.SeverityHigh || got[0].Status != model.AlertNew {
		t.Fatalf("expected one HIGH alert, got %+v", got)
	}
	if got[0].Description != "Transaction amount 10000.01 exceeds threshold 10000" {
		t.Fatalf("description=%q", got[0].Description)
	}
}

func TestSharedIPBoundary(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: string(rules.TypeSharedIP), Type: rules.TypeSharedIP})
	f.load(t,
		txSpec{id: "T1", account: "A", ip: "1.1.1.1"},
		txSpec{id: "T2", account: "A", ip: "1.1.1.1", at: time.Hour},
	)
	if stats := f.run(t); stats.NewAlerts != 0 {
		t.Fatalf("one account on an IP must not alert: %+v", stats)
	}

	f.load(t, txSpec{id: "T3", account: "B", ip: "1.1.1.1", at: 2 * time.Hour})
	if stats := f.run(t); stats.NewAlerts != 3 {
		t.Fatalf("expected an alert on every transaction of the IP: %+v", stats)
	}
	for _, id := range []string{"T1", "T2", "T3"} {
		got := f.alertsOn(t, id)
		if len(got) != 1 || got[0].Severity != model.SeverityCritical {
			t.Fatalf("%s: %+v", id, got)
		}
		if got[0].Description != "IP used by 2 distinct accounts (Threshold: 2)" {
			t.Fatalf("description=%q", got[0].Description)
		}
	}
}

func TestVelocityBoundary(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: string(rules.TypeVelocity), Type: rules.TypeVelocity})

	specs := make([]txSpec, 0, 5)
	for i := 0; i < 4; i++ {
		specs = append(specs, txSpec{id: fmt.Sprintf("V%d", i), account: "A", at: time.Duration(i) * time.Minute})
	}
	f.load(t, specs...)
	if stats := f.run(t); stats.NewAlerts != 0 {
		t.Fatalf("four transactions must not alert: %+v", stats)
	}

	f.load(t, txSpec{id: "V4", account: "A", at: 4 * time.Minute})
	if stats := f.run(t); stats.NewAlerts != 5 {
		t.Fatalf("five transactions within the window should each alert: %+v", stats)
	}
	got := f.alertsOn(t, "V0")
	if len(got) != 1 || got[0].Severity != model.SeverityMedium || got[0].Description != "High velocity: 5 transactions in short period" {
		t.Fatalf("unexpected alert: %+v", got)
	}
}

func TestVelocityWindowIsStrict(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: "fast", Type: rules.TypeVelocity, Threshold: ptr(2.0)})
	f.load(t,
		txSpec{id: "X1", account: "A"},
		txSpec{id: "X2", account: "A", at: 600 * time.Second},
		txSpec{id: "Y1", account: "B"},
		txSpec{id: "Y2", account: "B", at: 599 * time.Second},
	)
	f.run(t)
	if got := f.alertsOn(t, "X1"); len(got) != 0 {
		t.Fatalf("transactions exactly one window apart are not in a burst")
	}
	if got := f.alertsOn(t, "Y2"); len(got) != 1 {
		t.Fatalf("expected burst alert, got %+v", got)
	}
}

func TestVelocityWindowParameter(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: "fast", Type: rules.TypeVelocity, Threshold: ptr(2.0),
		Parameters: map[string]any{ParamWindowSeconds: 30.0}})
	f.load(t,
		txSpec{id: "X1", account: "A"},
		txSpec{id: "X2", account: "A", at: time.Minute},
	)
	if stats := f.run(t); stats.NewAlerts != 0 {
		t.Fatalf("window parameter ignored: %+v", stats)
	}
}

func TestMultiAccountDevice(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: string(rules.TypeMultiAccount), Type: rules.TypeMultiAccount})
	f.load(t,
		txSpec{id: "D1", account: "A", device: "dev"},
		txSpec{id: "D2", account: "B", device: "dev", at: time.Hour},
		txSpec{id: "D3", account: "C", device: "other", at: 2 * time.Hour},
	)
	if stats := f.run(t); stats.NewAlerts != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	got := f.alertsOn(t, "D1")
	if len(got) != 1 || got[0].Severity != model.SeverityCritical || got[0].Description != "Device linked to 2 accounts" {
		t.Fatalf("unexpected alert: %+v", got)
	}
	if len(f.alertsOn(t, "D3")) != 0 {
		t.Fatalf("single-account device must not alert")
	}
}

func TestSecondRunCreatesNothing(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.EnsureDefaultRules(context.Background()); err != nil {
		t.Fatal(err)
	}
	var specs []txSpec
	for i := 0; i < 6; i++ {
		specs = append(specs, txSpec{id: fmt.Sprintf("T%d", i), account: fmt.Sprintf("A%d", i%2), device: "shared", ip: "shared", amount: "20000", at: time.Duration(i) * time.Second})
	}
	f.load(t, specs...)

	first := f.run(t)
	if first.RulesExecuted != 4 || first.NewAlerts == 0 {
		t.Fatalf("first run: %+v", first)
	}
	second := f.run(t)
	if second.RulesExecuted != 4 || second.NewAlerts != 0 {
		t.Fatalf("second run must be a no-op: %+v", second)
	}

	// Every (transaction, rule) pair holds at most one alert.
	for _, s := range specs {
		seen := map[string]bool{}
		for _, a := range f.alertsOn(t, s.id) {
			if seen[a.Rule] {
				t.Fatalf("%s has two %s alerts", s.id, a.Rule)
			}
			seen[a.Rule] = true
		}
	}
}

func TestThresholdOverridesParameter(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{
		Name:       "big",
		Type:       rules.TypeCustom,
		Threshold:  ptr(50.0),
		Parameters: map[string]any{"threshold": 1.0, "currency": "EUR"},
		Pattern:    rules.CustomPredicate{Expression: `amount > threshold && currency == params.currency`, Severity: model.SeverityHigh},
	})
	f.load(t,
		txSpec{id: "SMALL", account: "A", amount: "20"},
		txSpec{id: "LARGE", account: "A", amount: "80", at: time.Hour},
	)
	if stats := f.run(t); stats.NewAlerts != 1 {
		t.Fatalf("threshold not injected: %+v", stats)
	}
	if len(f.alertsOn(t, "LARGE")) != 1 {
		t.Fatalf("expected alert on LARGE")
	}
}

func TestMalformedCustomRuleIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: "broken", Type: rules.TypeCustom,
		Pattern: rules.CustomPredicate{Expression: "amount >>> ", Severity: model.SeverityHigh}})
	f.rule(t, rules.Draft{Name: "ghost", Type: rules.TypeCustom,
		Pattern: rules.CustomPredicate{Evaluator: "not-registered", Severity: model.SeverityHigh}})
	f.rule(t, rules.Draft{Name: string(rules.TypeHighAmount), Type: rules.TypeHighAmount})
	f.load(t, txSpec{id: "T1", account: "A", amount: "50000"})

	stats := f.run(t)
	if stats.RulesExecuted != 1 || stats.NewAlerts != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if strings.Join(stats.FailedRules, ",") != "broken,ghost" {
		t.Fatalf("failed rules=%v", stats.FailedRules)
	}
}

func TestRegisteredEvaluator(t *testing.T) {
	afternoon := func(_ context.Context, tx Tx, params map[string]any) (bool, string, error) {
		if tx.Date.Hour() >= 12 && tx.Amount.IntPart() > int64(params["threshold"].(float64)) {
			return true, "afternoon spend from " + tx.AccountID, nil
		}
		return false, "", nil
	}
	f := newFixture(t, WithEvaluator("afternoon", afternoon))
	f.rule(t, rules.Draft{Name: "afternoon", Type: rules.TypeCustom, Threshold: ptr(5.0),
		Pattern: rules.CustomPredicate{Evaluator: "afternoon", Severity: model.SeverityMedium}})
	f.load(t, txSpec{id: "T1", account: "A", amount: "10"}, txSpec{id: "T2", account: "A", amount: "1", at: time.Minute})

	if stats := f.run(t); stats.NewAlerts != 1 || stats.RulesExecuted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	got := f.alertsOn(t, "T1")
	if len(got) != 1 || got[0].Description != "afternoon spend from A" {
		t.Fatalf("unexpected alert: %+v", got)
	}
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: "off", Type: rules.TypeHighAmount, Enabled: ptr(false)})
	f.load(t, txSpec{id: "T1", account: "A", amount: "50000"})
	if stats := f.run(t); stats.RulesExecuted != 0 || stats.NewAlerts != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// flakyStore turns the store unavailable for transaction scans.
type flakyStore struct {
	graph.Store
}

func (s flakyStore) FindNodes(ctx context.Context, label graph.Label, pred func(graph.Node) bool) ([]graph.Node, error) {
	if label == graph.LabelTransaction {
		return nil, fmt.Errorf("scan: %w", graph.ErrUnavailable)
	}
	return s.Store.FindNodes(ctx, label, pred)
}

func TestStoreUnavailableIsFatal(t *testing.T) {
	mem := graph.NewMemory()
	catalog := rules.New(mem, nil)
	if _, err := catalog.EnsureDefaults(context.Background()); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	e := New(flakyStore{mem}, catalog, WithAudit(sink))
	if _, err := e.Run(context.Background()); !errors.Is(err, graph.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(sink.actions) != 0 {
		t.Fatalf("failed run must not be audited: %v", sink.actions)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	actions []string
}

func (s *recordingSink) LogAction(_ context.Context, _, _, action, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

type capture struct {
	mu     sync.Mutex
	events []stream.AlertEvent
}

func (c *capture) Publish(_ context.Context, evt stream.AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func TestRunPublishesAndAudits(t *testing.T) {
	sink := &recordingSink{}
	events := &capture{}
	f := newFixture(t, WithAudit(sink), WithPublisher(events))
	f.rule(t, rules.Draft{Name: string(rules.TypeHighAmount), Type: rules.TypeHighAmount})
	f.load(t, txSpec{id: "T1", account: "A", amount: "99999"})

	f.run(t)
	if len(events.events) != 1 || events.events[0].TxID != "T1" || events.events[0].AccountID != "A" {
		t.Fatalf("events=%+v", events.events)
	}
	if len(sink.actions) != 1 || sink.actions[0] != audit.ActionDetection {
		t.Fatalf("actions=%v", sink.actions)
	}
}

func TestConcurrentRunsDoNotDuplicate(t *testing.T) {
	store := graph.NewMemory()
	catalog := rules.New(store, nil)
	f := &fixture{store: store, catalog: catalog}
	if _, err := catalog.EnsureDefaults(context.Background()); err != nil {
		t.Fatal(err)
	}
	var specs []txSpec
	for i := 0; i < 20; i++ {
		specs = append(specs, txSpec{id: fmt.Sprintf("T%d", i), account: fmt.Sprintf("A%d", i%3), ip: "shared", amount: "15000", at: time.Duration(i) * time.Second})
	}
	f.load(t, specs...)

	// Separate engines share nothing but the store, like separate processes.
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := New(store, catalog).Run(context.Background())
			if err != nil {
				t.Errorf("run: %v", err)
				return
			}
			mu.Lock()
			total += stats.NewAlerts
			mu.Unlock()
		}()
	}
	wg.Wait()

	alerts, _ := store.FindNodes(context.Background(), graph.LabelAlert, nil)
	if total != len(alerts) {
		t.Fatalf("runs reported %d new alerts, store holds %d", total, len(alerts))
	}
	for _, s := range specs {
		seen := map[string]bool{}
		for _, a := range f.alertsOn(t, s.id) {
			if seen[a.Rule] {
				t.Fatalf("%s has two %s alerts", s.id, a.Rule)
			}
			seen[a.Rule] = true
		}
	}
}

func TestEvery(t *testing.T) {
	f := newFixture(t)
	f.rule(t, rules.Draft{Name: string(rules.TypeHighAmount), Type: rules.TypeHighAmount})
	f.load(t, txSpec{id: "T1", account: "A", amount: "99999"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Every(ctx, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for len(f.alertsOn(t, "T1")) == 0 {
		select {
		case <-deadline:
			t.Fatal("periodic run never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
