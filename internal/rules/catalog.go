// Package rules is the catalog of detection rules. Each rule is a Rule node
// linked by USES to exactly one Threshold node; both are created, updated
// and deleted together.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
)

var (
	ErrMissingPattern = errors.New("custom rule requires a pattern")
	ErrDuplicateRule  = errors.New("rule already exists")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrRuleNotFound   = errors.New("rule not found")
)

// ThresholdKey is the parameter name the linked threshold is injected under.
const ThresholdKey = "threshold"

const (
	propType       = "type"
	propEnabled    = model.PropEnabled
	propParameters = "parameters"
	propPattern    = "pattern"
	propValue      = "value"
)

// Rule is the catalog read model.
type Rule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        Type           `json:"type"`
	Enabled     bool           `json:"enabled"`
	Threshold   float64        `json:"threshold"`
	Parameters  map[string]any `json:"parameters"`
	Pattern     Pattern        `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	type alias Rule
	pattern, err := MarshalPattern(r.Pattern)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Pattern json.RawMessage `json:"pattern"`
	}{alias(r), pattern})
}

// Params returns the rule parameters with the threshold injected. The
// threshold key always reflects the linked Threshold, whatever the stored
// parameters say.
func (r Rule) Params() map[string]any {
	out := make(map[string]any, len(r.Parameters)+1)
	for k, v := range r.Parameters {
		out[k] = v
	}
	out[ThresholdKey] = r.Threshold
	return out
}

// Draft describes a rule to create. Nil Threshold and Enabled take the
// type default and true.
type Draft struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        Type           `json:"type"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Threshold   *float64       `json:"threshold,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Pattern     Pattern        `json:"-"`
}

func (d *Draft) UnmarshalJSON(b []byte) error {
	type alias Draft
	aux := struct {
		*alias
		Pattern json.RawMessage `json:"pattern"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := UnmarshalPattern(aux.Pattern)
	if err != nil {
		return err
	}
	d.Pattern = p
	return nil
}

// Patch holds the mutable fields of a rule; nil fields are left unchanged.
// Name and type cannot be changed.
type Patch struct {
	Description *string        `json:"description,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Threshold   *float64       `json:"threshold,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Catalog persists rules in a graph store.
type Catalog struct {
	store  graph.Store
	audit  audit.Sink
	now    func() time.Time
	seedMu sync.Mutex
}

// New creates a catalog. sink may be nil.
func New(store graph.Store, sink audit.Sink) *Catalog {
	return &Catalog{
		store: store,
		audit: sink,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new rule with its threshold.
func (c *Catalog) Create(ctx context.Context, d Draft) (Rule, error) {
	r, err := c.create(ctx, d)
	if err != nil {
		return Rule{}, err
	}
	audit.Record(ctx, c.audit, audit.ActionCreateRule,
		fmt.Sprintf("Created rule %s (%s, threshold %v)", r.Name, r.Type, r.Threshold))
	return r, nil
}

func (c *Catalog) create(ctx context.Context, d Draft) (Rule, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Type = Type(strings.ToUpper(strings.TrimSpace(string(d.Type))))
	if d.Name == "" {
		return Rule{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !d.Type.Valid() {
		return Rule{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, d.Type)
	}

	pattern := d.Pattern
	if pattern == nil {
		if !d.Type.BuiltIn() {
			return Rule{}, ErrMissingPattern
		}
		pattern = CanonicalPattern(d.Type)
	}
	if err := pattern.validate(); err != nil {
		return Rule{}, err
	}
	threshold := DefaultThreshold(d.Type)
	if d.Threshold != nil {
		threshold = *d.Threshold
	}
	if err := checkThreshold(threshold); err != nil {
		return Rule{}, err
	}
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	patternProp, err := patternToProp(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	params := d.Parameters
	if params == nil {
		params = map[string]any{}
	}

	node, created, err := c.store.UpsertNode(ctx, graph.LabelRule, d.Name, graph.Props{
		model.PropName:        d.Name,
		model.PropDescription: d.Description,
		propType:              string(d.Type),
		propEnabled:           enabled,
		propParameters:        params,
		propPattern:           patternProp,
		model.PropCreatedAt:   graph.FormatTime(c.now()),
	})
	if err != nil {
		return Rule{}, err
	}
	if !created {
		return Rule{}, fmt.Errorf("%w: %s", ErrDuplicateRule, d.Name)
	}

	th, _, err := c.store.UpsertNode(ctx, graph.LabelThreshold, node.ID, graph.Props{propValue: threshold})
	if err == nil {
		err = c.store.UpsertEdge(ctx, node.ID, graph.EdgeUses, th.ID)
	}
	if err != nil {
		// A rule without its threshold must not survive.
		_ = c.store.DeleteNode(context.WithoutCancel(ctx), node.ID)
		return Rule{}, fmt.Errorf("create threshold for %s: %w", d.Name, err)
	}
	r, _ := fromNodes(node, threshold)
	return r, nil
}

// Update applies p to the rule id.
func (c *Catalog) Update(ctx context.Context, id string, p Patch) (Rule, error) {
	current, err := c.Get(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	if p.Threshold != nil {
		if err := checkThreshold(*p.Threshold); err != nil {
			return Rule{}, err
		}
	}

	if p.Description != nil || p.Enabled != nil || p.Parameters != nil {
		_, err := c.store.UpdateNode(ctx, id, func(props graph.Props) (graph.Props, error) {
			if p.Description != nil {
				props[model.PropDescription] = *p.Description
			}
			if p.Enabled != nil {
				props[propEnabled] = *p.Enabled
			}
			if p.Parameters != nil {
				props[propParameters] = p.Parameters
			}
			return props, nil
		})
		if err != nil {
			return Rule{}, c.notFound(err, id)
		}
	}
	if p.Threshold != nil {
		if err := c.setThreshold(ctx, id, *p.Threshold); err != nil {
			return Rule{}, err
		}
	}

	updated, err := c.Get(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	audit.Record(ctx, c.audit, audit.ActionUpdateRule, describePatch(current, updated, p))
	return updated, nil
}

func (c *Catalog) setThreshold(ctx context.Context, ruleID string, value float64) error {
	th, created, err := c.store.UpsertNode(ctx, graph.LabelThreshold, ruleID, graph.Props{propValue: value})
	if err != nil {
		return err
	}
	if created {
		return c.store.UpsertEdge(ctx, ruleID, graph.EdgeUses, th.ID)
	}
	_, err = c.store.UpdateNode(ctx, th.ID, func(props graph.Props) (graph.Props, error) {
		props[propValue] = value
		return props, nil
	})
	return err
}

// Delete removes the rule and its threshold.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	r, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	thresholds, err := c.store.Traverse(ctx, id, graph.EdgeUses, graph.Outgoing)
	if err != nil {
		return err
	}
	for _, th := range thresholds {
		if err := c.store.DeleteNode(ctx, th.ID); err != nil && !errors.Is(err, graph.ErrNodeNotFound) {
			return err
		}
	}
	if err := c.store.DeleteNode(ctx, id); err != nil {
		return c.notFound(err, id)
	}
	audit.Record(ctx, c.audit, audit.ActionDeleteRule, "Deleted rule "+r.Name)
	return nil
}

// Get returns the rule with the given node id.
func (c *Catalog) Get(ctx context.Context, id string) (Rule, error) {
	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return Rule{}, c.notFound(err, id)
	}
	if n.Label != graph.LabelRule {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return c.load(ctx, n)
}

// GetByName returns the rule with the given name.
func (c *Catalog) GetByName(ctx context.Context, name string) (Rule, error) {
	n, err := c.store.GetNodeByKey(ctx, graph.LabelRule, name)
	if err != nil {
		return Rule{}, c.notFound(err, name)
	}
	return c.load(ctx, n)
}

// List returns every rule ordered by name.
func (c *Catalog) List(ctx context.Context) ([]Rule, error) {
	nodes, err := c.store.FindNodes(ctx, graph.LabelRule, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(nodes))
	for _, n := range nodes {
		r, err := c.load(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListEnabled returns the enabled rules ordered by name.
func (c *Catalog) ListEnabled(ctx context.Context) ([]Rule, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (c *Catalog) load(ctx context.Context, n graph.Node) (Rule, error) {
	var threshold float64
	linked, err := c.store.Traverse(ctx, n.ID, graph.EdgeUses, graph.Outgoing)
	if err != nil {
		return Rule{}, err
	}
	if th, ok := graph.First(linked); ok {
		threshold, _ = th.Props.Float(propValue)
	}
	r, perr := fromNodes(n, threshold)
	if perr != nil {
		obs.Logger().WarnContext(ctx, "rule pattern unreadable", "rule", r.Name, "err", perr)
	}
	return r, nil
}

// fromNodes maps a Rule node. A stored pattern that no longer decodes
// leaves Pattern nil and is returned as the error.
func fromNodes(n graph.Node, threshold float64) (Rule, error) {
	r := Rule{
		ID:          n.ID,
		Name:        n.Props.String(model.PropName),
		Description: n.Props.String(model.PropDescription),
		Type:        Type(n.Props.String(propType)),
		Enabled:     n.Props.Bool(propEnabled),
		Threshold:   threshold,
		Parameters:  n.Props.Map(propParameters),
		CreatedAt:   n.CreatedAt,
	}
	if r.Name == "" {
		r.Name = n.Key
	}
	if r.Parameters == nil {
		r.Parameters = map[string]any{}
	}
	if t, ok := n.Props.Time(model.PropCreatedAt); ok {
		r.CreatedAt = t
	}
	p, err := patternFromProp(n.Props.Map(propPattern))
	if err != nil {
		return r, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.Pattern = p
	return r, nil
}

func (c *Catalog) notFound(err error, id string) error {
	if errors.Is(err, graph.ErrNodeNotFound) {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return err
}

func checkThreshold(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: threshold must be a finite number", ErrInvalidRule)
	}
	return nil
}

func describePatch(before, after Rule, p Patch) string {
	var changes []string
	if before.Description != after.Description {
		changes = append(changes, "description")
	}
	if before.Enabled != after.Enabled {
		changes = append(changes, fmt.Sprintf("enabled=%t", after.Enabled))
	}
	if before.Threshold != after.Threshold {
		changes = append(changes, fmt.Sprintf("threshold %v -> %v", before.Threshold, after.Threshold))
	}
	if p.Parameters != nil {
		changes = append(changes, "parameters")
	}
	if len(changes) == 0 {
		changes = append(changes, "no changes")
	}
	return fmt.Sprintf("Updated rule %s: %s", after.Name, strings.Join(changes, ", "))
}
