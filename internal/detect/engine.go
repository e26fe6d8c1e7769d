// Package detect evaluates the enabled rules of the catalog against the
// entity graph and materializes Alert nodes.
//
// A rule raises at most one alert per transaction: the alert node is keyed
// by (transaction, rule name), so concurrent runs converge on the same node
// through the store's atomic upsert. Runs inside one process are also
// serialized so that their statistics are exact.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
	"fraudgraph.org/internal/rules"
	"fraudgraph.org/internal/stream"
)

// ErrNoPattern marks a rule whose stored pattern could not be read.
var ErrNoPattern = errors.New("rule has no usable pattern")

// RuleSource supplies the rules to evaluate.
type RuleSource interface {
	ListEnabled(ctx context.Context) ([]rules.Rule, error)
	EnsureDefaults(ctx context.Context) (int, error)
}

// RunStats summarizes one detection run.
type RunStats struct {
	RulesExecuted int      `json:"rulesExecuted"`
	NewAlerts     int      `json:"newAlerts"`
	FailedRules   []string `json:"failedRules,omitempty"`
}

// RuleError is the failure of a single rule. It is logged and skipped; the
// run goes on with the remaining rules.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string { return fmt.Sprintf("rule %s: %v", e.Rule, e.Err) }
func (e *RuleError) Unwrap() error { return e.Err }

// Engine runs detection.
type Engine struct {
	store      graph.Store
	rules      RuleSource
	audit      audit.Sink
	publisher  stream.Publisher
	evaluators map[string]Evaluator
	programs   sync.Map
	now        func() time.Time

	runMu sync.Mutex
}

// Option configures Engine.
type Option func(*Engine)

// WithAudit sets the audit sink.
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithPublisher sets where newly created alerts are announced.
func WithPublisher(p stream.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithEvaluator registers a Go evaluator custom rules can reference by name.
func WithEvaluator(name string, fn Evaluator) Option {
	return func(e *Engine) {
		if name != "" && fn != nil {
			e.evaluators[name] = fn
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// New constructs an Engine.
func New(store graph.Store, source RuleSource, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		rules:      source,
		evaluators: map[string]Evaluator{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureDefaultRules seeds the built-in rules into an empty catalog. The
// process entry point calls it once before the first run.
func (e *Engine) EnsureDefaultRules(ctx context.Context) error {
	n, err := e.rules.EnsureDefaults(ctx)
	if err != nil {
		return fmt.Errorf("ensure default rules: %w", err)
	}
	if n > 0 {
		obs.Logger().InfoContext(ctx, "seeded default rules", "count", n)
	}
	return nil
}

// Run evaluates every enabled rule once. Rule failures are reported in the
// stats; a store outage aborts the run and is returned with the stats so far.
func (e *Engine) Run(ctx context.Context) (RunStats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	stats, err := e.run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		obs.DetectionRun("error", elapsed)
		obs.Logger().ErrorContext(ctx, "detection run failed", "err", err,
			"rules_executed", stats.RulesExecuted, "new_alerts", stats.NewAlerts)
		return stats, err
	}
	obs.DetectionRun("ok", elapsed)
	obs.Logger().InfoContext(ctx, "detection run finished",
		"rules_executed", stats.RulesExecuted, "new_alerts", stats.NewAlerts,
		"failed_rules", len(stats.FailedRules), "duration_ms", elapsed.Milliseconds())
	audit.Record(ctx, e.audit, audit.ActionDetection,
		fmt.Sprintf("Detection run: %d rules executed, %d new alerts", stats.RulesExecuted, stats.NewAlerts))
	return stats, nil
}

func (e *Engine) run(ctx context.Context) (RunStats, error) {
	stats := RunStats{}
	enabled, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return stats, fmt.Errorf("load rules: %w", err)
	}
	snap, err := e.takeSnapshot(ctx)
	if err != nil {
		return stats, err
	}

	for _, r := range enabled {
		created, err := e.runRule(ctx, snap, r)
		stats.NewAlerts += created
		if err == nil {
			stats.RulesExecuted++
			obs.RuleEvaluated(r.Name, "ok")
			continue
		}
		if fatal(ctx, err) {
			return stats, err
		}
		obs.RuleEvaluated(r.Name, "error")
		obs.Logger().WarnContext(ctx, "rule evaluation failed", "rule", r.Name, "err", err)
		stats.FailedRules = append(stats.FailedRules, r.Name)
	}
	return stats, nil
}

func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, graph.ErrUnavailable) || ctx.Err() != nil
}

func (e *Engine) runRule(ctx context.Context, snap *snapshot, r rules.Rule) (int, error) {
	findings, err := e.evaluate(ctx, snap, r)
	if err != nil {
		return 0, &RuleError{Rule: r.Name, Err: err}
	}
	created := 0
	for _, f := range findings {
		ok, err := e.raise(ctx, r, f)
		if err != nil {
			if fatal(ctx, err) {
				return created, err
			}
			return created, &RuleError{Rule: r.Name, Err: err}
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (e *Engine) evaluate(ctx context.Context, snap *snapshot, r rules.Rule) ([]finding, error) {
	params := r.Params()
	threshold := r.Threshold
	switch p := r.Pattern.(type) {
	case rules.AmountThreshold:
		return evalAmount(snap, threshold), nil
	case rules.SharedResourceCount:
		return evalSharedResource(snap, p.Resource, threshold), nil
	case rules.VelocityWindow:
		return evalVelocity(snap, windowFor(p, params), threshold), nil
	case rules.EntityLinkCount:
		return evalEntityLink(snap, p.Resource, threshold), nil
	case rules.CustomPredicate:
		return e.evalCustom(ctx, snap, r, p, params)
	case nil:
		return nil, ErrNoPattern
	default:
		return nil, fmt.Errorf("unsupported pattern %T", p)
	}
}

// raise creates the alert for a finding unless the transaction already
// carries one for this rule. It reports whether a new alert was created.
func (e *Engine) raise(ctx context.Context, r rules.Rule, f finding) (bool, error) {
	if f.en.alerted[r.Name] {
		return false, nil
	}
	alert := model.Alert{
		Rule:        r.Name,
		Severity:    r.Pattern.AlertSeverity(),
		Status:      model.AlertNew,
		Description: f.description,
		CreatedAt:   e.now(),
	}
	node, created, err := e.store.UpsertNode(ctx, graph.LabelAlert, model.AlertKey(f.en.ID, r.Name), model.AlertProps(alert))
	if err != nil {
		return false, fmt.Errorf("create alert on %s: %w", f.en.TxID, err)
	}
	// Linking is idempotent; an alert left unlinked by an interrupted run is
	// attached here.
	if err := e.store.UpsertEdge(ctx, f.en.ID, graph.EdgeHasAlert, node.ID); err != nil {
		return false, fmt.Errorf("link alert on %s: %w", f.en.TxID, err)
	}
	f.en.alerted[r.Name] = true
	if !created {
		return false, nil
	}

	saved := model.AlertFromNode(node)
	obs.AlertCreated(saved.Rule, string(saved.Severity))
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, stream.NewAlertEvent(saved, f.en.TxID, f.en.AccountID)); err != nil {
			obs.Logger().WarnContext(ctx, "alert publish failed", "alert_id", saved.ID, "err", err)
		}
	}
	return true, nil
}

// Every runs detection each interval until ctx ends. Failed runs are logged
// and retried on the next tick.
func (e *Engine) Every(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = e.Run(ctx)
		}
	}
}
