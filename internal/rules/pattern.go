package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
)

// Kind discriminates pattern variants in their JSON encoding.
type Kind string

const (
	KindAmountThreshold     Kind = "AMOUNT_THRESHOLD"
	KindSharedResourceCount Kind = "SHARED_RESOURCE_COUNT"
	KindVelocityWindow      Kind = "VELOCITY_WINDOW"
	KindEntityLinkCount     Kind = "ENTITY_LINK_COUNT"
	KindCustomPredicate     Kind = "CUSTOM_PREDICATE"
)

// DefaultVelocityWindow is the window of the built-in velocity rule.
const DefaultVelocityWindow = 600 * time.Second

// Pattern is the closed set of detector shapes a rule can carry. The
// detection engine dispatches on the concrete type.
type Pattern interface {
	Kind() Kind
	AlertSeverity() model.Severity
	validate() error
}

// AmountThreshold flags transactions whose amount exceeds the threshold.
type AmountThreshold struct {
	Severity model.Severity
}

// SharedResourceCount flags every transaction on a resource (reached from
// the transaction through Resource) used by at least threshold distinct
// accounts.
type SharedResourceCount struct {
	Resource graph.EdgeType
	Severity model.Severity
}

// VelocityWindow flags transactions that belong to a burst of at least
// threshold transactions of one account inside Window.
type VelocityWindow struct {
	Window   time.Duration
	Severity model.Severity
}

// EntityLinkCount flags every transaction on an entity linked, through its
// transactions, to at least threshold distinct accounts.
type EntityLinkCount struct {
	Resource graph.EdgeType
	Severity model.Severity
}

// CustomPredicate is an author-supplied condition evaluated per
// transaction: either an expression over the transaction environment or the
// name of an evaluator registered with the engine.
type CustomPredicate struct {
	Expression string
	Evaluator  string
	Severity   model.Severity
}

func (AmountThreshold) Kind() Kind     { return KindAmountThreshold }
func (SharedResourceCount) Kind() Kind { return KindSharedResourceCount }
func (VelocityWindow) Kind() Kind      { return KindVelocityWindow }
func (EntityLinkCount) Kind() Kind     { return KindEntityLinkCount }
func (CustomPredicate) Kind() Kind     { return KindCustomPredicate }

func (p AmountThreshold) AlertSeverity() model.Severity     { return p.Severity }
func (p SharedResourceCount) AlertSeverity() model.Severity { return p.Severity }
func (p VelocityWindow) AlertSeverity() model.Severity      { return p.Severity }
func (p EntityLinkCount) AlertSeverity() model.Severity     { return p.Severity }
func (p CustomPredicate) AlertSeverity() model.Severity     { return p.Severity }

func (p AmountThreshold) validate() error { return checkSeverity(p.Severity) }

func (p SharedResourceCount) validate() error {
	if err := checkResource(p.Resource); err != nil {
		return err
	}
	return checkSeverity(p.Severity)
}

func (p VelocityWindow) validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: velocity window must be positive", ErrInvalidRule)
	}
	return checkSeverity(p.Severity)
}

func (p EntityLinkCount) validate() error {
	if err := checkResource(p.Resource); err != nil {
		return err
	}
	return checkSeverity(p.Severity)
}

func (p CustomPredicate) validate() error {
	hasExpr := strings.TrimSpace(p.Expression) != ""
	hasEval := strings.TrimSpace(p.Evaluator) != ""
	if hasExpr == hasEval {
		return fmt.Errorf("%w: custom pattern needs exactly one of expression or evaluator", ErrInvalidRule)
	}
	return checkSeverity(p.Severity)
}

func checkSeverity(s model.Severity) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, s)
	}
	return nil
}

// Resources a transaction can be grouped by.
var groupable = map[graph.EdgeType]bool{
	graph.EdgeFromIP:     true,
	graph.EdgeFromDevice: true,
	graph.EdgeToMerchant: true,
}

func checkResource(e graph.EdgeType) error {
	if !groupable[e] {
		return fmt.Errorf("%w: cannot group transactions by %q", ErrInvalidRule, e)
	}
	return nil
}

// wirePattern is the JSON shape of every variant.
type wirePattern struct {
	Kind          Kind           `json:"kind"`
	Severity      model.Severity `json:"severity,omitempty"`
	Resource      graph.EdgeType `json:"resource,omitempty"`
	WindowSeconds float64        `json:"windowSeconds,omitempty"`
	Expression    string         `json:"expression,omitempty"`
	Evaluator     string         `json:"evaluator,omitempty"`
}

// MarshalPattern encodes p with its kind discriminator.
func MarshalPattern(p Pattern) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	w := wirePattern{Kind: p.Kind(), Severity: p.AlertSeverity()}
	switch v := p.(type) {
	case AmountThreshold:
	case SharedResourceCount:
		w.Resource = v.Resource
	case VelocityWindow:
		w.WindowSeconds = v.Window.Seconds()
	case EntityLinkCount:
		w.Resource = v.Resource
	case CustomPredicate:
		w.Expression = v.Expression
		w.Evaluator = v.Evaluator
	default:
		return nil, fmt.Errorf("unsupported pattern %T", p)
	}
	return json.Marshal(w)
}

// UnmarshalPattern decodes and validates a pattern document. Omitted
// severities, resources and windows take the defaults of the matching
// built-in rule. JSON null decodes to a nil Pattern.
func UnmarshalPattern(b []byte) (Pattern, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var w wirePattern
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: pattern: %v", ErrInvalidRule, err)
	}
	var p Pattern
	switch Kind(strings.ToUpper(string(w.Kind))) {
	case KindAmountThreshold:
		p = AmountThreshold{Severity: orSeverity(w.Severity, model.SeverityHigh)}
	case KindSharedResourceCount:
		p = SharedResourceCount{
			Resource: orEdge(w.Resource, graph.EdgeFromIP),
			Severity: orSeverity(w.Severity, model.SeverityCritical),
		}
	case KindVelocityWindow:
		window := DefaultVelocityWindow
		if w.WindowSeconds != 0 {
			window = time.Duration(w.WindowSeconds * float64(time.Second))
		}
		p = VelocityWindow{Window: window, Severity: orSeverity(w.Severity, model.SeverityMedium)}
	case KindEntityLinkCount:
		p = EntityLinkCount{
			Resource: orEdge(w.Resource, graph.EdgeFromDevice),
			Severity: orSeverity(w.Severity, model.SeverityCritical),
		}
	case KindCustomPredicate:
		p = CustomPredicate{
			Expression: w.Expression,
			Evaluator:  w.Evaluator,
			Severity:   orSeverity(w.Severity, model.SeverityMedium),
		}
	default:
		return nil, fmt.Errorf("%w: unknown pattern kind %q", ErrInvalidRule, w.Kind)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func orSeverity(s, def model.Severity) model.Severity {
	if s == "" {
		return def
	}
	return model.Severity(strings.ToUpper(string(s)))
}

func orEdge(e, def graph.EdgeType) graph.EdgeType {
	if e == "" {
		return def
	}
	return graph.EdgeType(strings.ToUpper(string(e)))
}

// patternToProp renders p as a JSON object for node storage.
func patternToProp(p Pattern) (map[string]any, error) {
	b, err := MarshalPattern(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func patternFromProp(m map[string]any) (Pattern, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return UnmarshalPattern(b)
}
