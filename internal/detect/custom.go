package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/rules"
)

// ErrUnknownEvaluator is returned for a custom rule naming an evaluator that
// was never registered.
var ErrUnknownEvaluator = errors.New("unknown evaluator")

// Evaluator is a Go predicate a custom rule can reference by name. params
// already carries the injected threshold. An empty description gets a
// generic one.
type Evaluator func(ctx context.Context, tx Tx, params map[string]any) (matched bool, description string, err error)

// exprEnv lists the variables an expression may use; values are samples for
// type checking.
func exprEnv() map[string]any {
	return map[string]any{
		"amount":         0.0,
		"currency":       "",
		"status":         "",
		"txId":           "",
		"date":           time.Time{},
		"accountId":      "",
		"owner":          "",
		"ipAddress":      "",
		"deviceId":       "",
		"merchantId":     "",
		"threshold":      0.0,
		"params":         map[string]any{},
		"ipAccounts":     0,
		"deviceAccounts": 0,
		"accountTxCount": 0,
	}
}

func (e *Engine) program(src string) (*vm.Program, error) {
	if p, ok := e.programs.Load(src); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(src, expr.Env(exprEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	e.programs.Store(src, p)
	return p, nil
}

func (e *Engine) evalCustom(ctx context.Context, s *snapshot, r rules.Rule, p rules.CustomPredicate, params map[string]any) ([]finding, error) {
	if name := strings.TrimSpace(p.Evaluator); name != "" {
		fn, ok := e.evaluators[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvaluator, name)
		}
		var out []finding
		for _, en := range s.entries {
			matched, desc, err := fn(ctx, en.Tx, params)
			if err != nil {
				return nil, fmt.Errorf("evaluator %s on %s: %w", name, en.TxID, err)
			}
			if !matched {
				continue
			}
			if desc == "" {
				desc = fmt.Sprintf("Custom rule %s matched transaction %s", r.Name, en.TxID)
			}
			out = append(out, finding{en, desc})
		}
		return out, nil
	}

	prog, err := e.program(p.Expression)
	if err != nil {
		return nil, err
	}
	threshold, _ := number(params[rules.ThresholdKey])
	_, ipAccounts := groupByResource(s, graph.EdgeFromIP)
	_, deviceAccounts := groupByResource(s, graph.EdgeFromDevice)
	accountTxs := map[string]int{}
	for _, en := range s.entries {
		accountTxs[en.AccountID]++
	}

	desc := fmt.Sprintf("Custom rule %s matched: %s", r.Name, p.Expression)
	var out []finding
	for _, en := range s.entries {
		env := map[string]any{
			"amount":         en.Amount.InexactFloat64(),
			"currency":       en.Currency,
			"status":         en.Status,
			"txId":           en.TxID,
			"date":           en.Date,
			"accountId":      en.AccountID,
			"owner":          en.Owner,
			"ipAddress":      en.IPAddress,
			"deviceId":       en.DeviceID,
			"merchantId":     en.MerchantID,
			"threshold":      threshold,
			"params":         params,
			"ipAccounts":     ipAccounts[en.IPAddress],
			"deviceAccounts": deviceAccounts[en.DeviceID],
			"accountTxCount": accountTxs[en.AccountID],
		}
		res, err := expr.Run(prog, env)
		if err != nil {
			return nil, fmt.Errorf("run expression on %s: %w", en.TxID, err)
		}
		if matched, _ := res.(bool); matched {
			out = append(out, finding{en, desc})
		}
	}
	return out, nil
}
