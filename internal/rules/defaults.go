package rules

import (
	"context"
	"errors"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
)

// Type is the rule family. Built-in types carry a canonical pattern and a
// default threshold.
type Type string

const (
	TypeHighAmount   Type = "MONTANT_ELEVE"
	TypeSharedIP     Type = "IP_PARTAGEE"
	TypeVelocity     Type = "TRANSACTIONS_RAPIDES"
	TypeMultiAccount Type = "MULTI_COMPTES"
	TypeCustom       Type = "CUSTOM"
)

// Valid reports whether t is a known rule type.
func (t Type) Valid() bool {
	switch t {
	case TypeHighAmount, TypeSharedIP, TypeVelocity, TypeMultiAccount, TypeCustom:
		return true
	}
	return false
}

// BuiltIn reports whether t has a canonical pattern.
func (t Type) BuiltIn() bool { return t.Valid() && t != TypeCustom }

// DefaultThreshold returns the threshold a new rule of type t starts with.
func DefaultThreshold(t Type) float64 {
	switch t {
	case TypeHighAmount:
		return 10000
	case TypeSharedIP:
		return 2
	case TypeVelocity:
		return 5
	case TypeMultiAccount:
		return 2
	}
	return 0
}

// CanonicalPattern returns the pattern of a built-in type, or nil for CUSTOM.
func CanonicalPattern(t Type) Pattern {
	switch t {
	case TypeHighAmount:
		return AmountThreshold{Severity: model.SeverityHigh}
	case TypeSharedIP:
		return SharedResourceCount{Resource: graph.EdgeFromIP, Severity: model.SeverityCritical}
	case TypeVelocity:
		return VelocityWindow{Window: DefaultVelocityWindow, Severity: model.SeverityMedium}
	case TypeMultiAccount:
		return EntityLinkCount{Resource: graph.EdgeFromDevice, Severity: model.SeverityCritical}
	}
	return nil
}

var defaultRules = []Draft{
	{Name: string(TypeHighAmount), Type: TypeHighAmount, Description: "Transaction amount exceeds defined threshold"},
	{Name: string(TypeSharedIP), Type: TypeSharedIP, Description: "IP address used by multiple accounts"},
	{Name: string(TypeVelocity), Type: TypeVelocity, Description: "Multiple transactions in a short period"},
	{Name: string(TypeMultiAccount), Type: TypeMultiAccount, Description: "Single device associated with multiple accounts"},
}

// EnsureDefaults seeds the four built-in rules when the catalog is empty and
// reports how many it created. Once any rule exists it does nothing.
// Seeding is not audited.
func (c *Catalog) EnsureDefaults(ctx context.Context) (int, error) {
	c.seedMu.Lock()
	defer c.seedMu.Unlock()

	existing, err := c.store.FindNodes(ctx, graph.LabelRule, nil)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	created := 0
	for _, d := range defaultRules {
		_, err := c.create(ctx, d)
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateRule):
			// another process seeded concurrently
		default:
			return created, err
		}
	}
	obs.Logger().InfoContext(ctx, "default rules initialized", "created", created)
	return created, nil
}
