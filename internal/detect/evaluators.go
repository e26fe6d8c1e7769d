package detect

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/rules"
)

// finding is one transaction a pattern matched, with the alert text.
type finding struct {
	en          *entry
	description string
}

// ParamWindowSeconds overrides the window of a velocity rule.
const ParamWindowSeconds = "windowSeconds"

func evalAmount(s *snapshot, threshold float64) []finding {
	limit := decimal.NewFromFloat(threshold)
	var out []finding
	for _, en := range s.entries {
		if en.Amount.GreaterThan(limit) {
			out = append(out, finding{en, fmt.Sprintf("Transaction amount %s exceeds threshold %s",
				en.Amount.String(), formatNumber(threshold))})
		}
	}
	return out
}

// groupByResource buckets transactions that have an account by the entity
// reached through edge and counts the distinct accounts of each bucket.
func groupByResource(s *snapshot, edge graph.EdgeType) (map[string][]*entry, map[string]int) {
	groups := map[string][]*entry{}
	accounts := map[string]map[string]struct{}{}
	for _, en := range s.entries {
		key := en.Resource(edge)
		if key == "" || en.AccountID == "" {
			continue
		}
		groups[key] = append(groups[key], en)
		if accounts[key] == nil {
			accounts[key] = map[string]struct{}{}
		}
		accounts[key][en.AccountID] = struct{}{}
	}
	counts := make(map[string]int, len(accounts))
	for k, set := range accounts {
		counts[k] = len(set)
	}
	return groups, counts
}

func evalSharedResource(s *snapshot, edge graph.EdgeType, threshold float64) []finding {
	groups, counts := groupByResource(s, edge)
	var out []finding
	for _, key := range sortedKeys(groups) {
		n := counts[key]
		if float64(n) < threshold {
			continue
		}
		desc := fmt.Sprintf("%s used by %d distinct accounts (Threshold: %s)", resourceName(edge), n, formatNumber(threshold))
		for _, en := range groups[key] {
			out = append(out, finding{en, desc})
		}
	}
	return out
}

func evalEntityLink(s *snapshot, edge graph.EdgeType, threshold float64) []finding {
	groups, counts := groupByResource(s, edge)
	var out []finding
	for _, key := range sortedKeys(groups) {
		n := counts[key]
		if float64(n) < threshold {
			continue
		}
		desc := fmt.Sprintf("%s linked to %d accounts", resourceName(edge), n)
		for _, en := range groups[key] {
			out = append(out, finding{en, desc})
		}
	}
	return out
}

// evalVelocity flags each transaction t whose burst, t plus the other
// transactions of the same account strictly less than window away from t
// in either direction, has at least threshold members.
func evalVelocity(s *snapshot, window time.Duration, threshold float64) []finding {
	byAccount := map[string][]*entry{}
	for _, en := range s.entries {
		if en.AccountID == "" || en.Date.IsZero() {
			continue
		}
		byAccount[en.AccountID] = append(byAccount[en.AccountID], en)
	}

	var out []finding
	for _, acc := range sortedKeys(byAccount) {
		txs := byAccount[acc]
		sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date.Before(txs[j].Date) })
		for _, en := range txs {
			lo := sort.Search(len(txs), func(k int) bool { return txs[k].Date.After(en.Date.Add(-window)) })
			hi := sort.Search(len(txs), func(k int) bool { return !txs[k].Date.Before(en.Date.Add(window)) })
			burst := hi - lo
			if float64(burst) >= threshold {
				out = append(out, finding{en, fmt.Sprintf("High velocity: %d transactions in short period", burst)})
			}
		}
	}
	return out
}

// windowFor returns the velocity window, overridable by the windowSeconds
// parameter.
func windowFor(p rules.VelocityWindow, params map[string]any) time.Duration {
	if v, ok := number(params[ParamWindowSeconds]); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return p.Window
}

func resourceName(edge graph.EdgeType) string {
	switch edge {
	case graph.EdgeFromIP:
		return "IP"
	case graph.EdgeFromDevice:
		return "Device"
	case graph.EdgeToMerchant:
		return "Merchant"
	}
	return string(edge)
}

// number converts JSON-ish numeric values.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
