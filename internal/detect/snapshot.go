package detect

import (
	"context"
	"fmt"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
)

// Tx is a transaction together with the keys of its linked entities, as
// seen by evaluators.
type Tx struct {
	model.Transaction
	AccountID  string
	Owner      string
	IPAddress  string
	DeviceID   string
	MerchantID string
}

// Resource returns the key of the entity reached through edge, or "".
func (t Tx) Resource(edge graph.EdgeType) string {
	switch edge {
	case graph.EdgeFromIP:
		return t.IPAddress
	case graph.EdgeFromDevice:
		return t.DeviceID
	case graph.EdgeToMerchant:
		return t.MerchantID
	}
	return ""
}

type entry struct {
	Tx
	alerted map[string]bool
}

// snapshot is a point-in-time read of every transaction with its links and
// the rule names it already carries alerts for.
type snapshot struct {
	entries []*entry
}

func (e *Engine) takeSnapshot(ctx context.Context) (*snapshot, error) {
	nodes, err := e.store.FindNodes(ctx, graph.LabelTransaction, nil)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	s := &snapshot{entries: make([]*entry, 0, len(nodes))}
	for _, n := range nodes {
		en, err := e.loadEntry(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("load transaction %s: %w", n.Key, err)
		}
		s.entries = append(s.entries, en)
	}
	return s, nil
}

func (e *Engine) loadEntry(ctx context.Context, n graph.Node) (*entry, error) {
	en := &entry{Tx: Tx{Transaction: model.TransactionFromNode(n)}, alerted: map[string]bool{}}

	first := func(typ graph.EdgeType, dir graph.Direction) (graph.Node, bool, error) {
		nodes, err := e.store.Traverse(ctx, n.ID, typ, dir)
		if err != nil {
			return graph.Node{}, false, err
		}
		node, ok := graph.First(nodes)
		return node, ok, nil
	}

	acc, ok, err := first(graph.EdgePerformed, graph.Incoming)
	if err != nil {
		return nil, err
	}
	if ok {
		en.AccountID = acc.Key
		en.Owner = acc.Props.String(model.PropOwner)
	}
	for _, link := range []struct {
		typ graph.EdgeType
		dst *string
	}{
		{graph.EdgeFromIP, &en.IPAddress},
		{graph.EdgeFromDevice, &en.DeviceID},
		{graph.EdgeToMerchant, &en.MerchantID},
	} {
		node, ok, err := first(link.typ, graph.Outgoing)
		if err != nil {
			return nil, err
		}
		if ok {
			*link.dst = node.Key
		}
	}

	alerts, err := e.store.Traverse(ctx, n.ID, graph.EdgeHasAlert, graph.Outgoing)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		en.alerted[a.Props.String(model.PropRule)] = true
	}
	return en, nil
}
