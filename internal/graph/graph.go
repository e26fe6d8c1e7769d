// Package graph defines the property graph that holds every fraudgraph
// entity and relationship, and an in-memory implementation of it.
//
// Nodes are addressed by a generated id and, within a label, by a unique
// key. Upserts on (label, key) are atomic: concurrent creators converge on a
// single node and the losers observe it unchanged.
package graph

import (
	"context"
	"errors"
	"time"
)

// Label is a node type.
type Label string

const (
	LabelUser        Label = "User"
	LabelAccount     Label = "Account"
	LabelTransaction Label = "Transaction"
	LabelMerchant    Label = "Merchant"
	LabelDevice      Label = "Device"
	LabelIP          Label = "IPAddress"
	LabelRule        Label = "Rule"
	LabelThreshold   Label = "Threshold"
	LabelAlert       Label = "Alert"
	LabelLogEntry    Label = "LogEntry"
)

// Labels lists every label the system writes.
var Labels = []Label{
	LabelUser, LabelAccount, LabelTransaction, LabelMerchant, LabelDevice,
	LabelIP, LabelRule, LabelThreshold, LabelAlert, LabelLogEntry,
}

// EdgeType is a relationship type. Edges are directed.
type EdgeType string

const (
	EdgeOwns       EdgeType = "OWNS"
	EdgePerformed  EdgeType = "PERFORMED"
	EdgeToMerchant EdgeType = "TO_MERCHANT"
	EdgeFromDevice EdgeType = "FROM_DEVICE"
	EdgeFromIP     EdgeType = "FROM_IP"
	EdgeHasAlert   EdgeType = "HAS_ALERT"
	EdgeUses       EdgeType = "USES"
)

// EdgeTypes lists every relationship type the system writes.
var EdgeTypes = []EdgeType{
	EdgeOwns, EdgePerformed, EdgeToMerchant, EdgeFromDevice, EdgeFromIP, EdgeHasAlert, EdgeUses,
}

// Direction selects which side of an edge Traverse follows.
type Direction int

const (
	// Outgoing follows edges from the start node to their targets.
	Outgoing Direction = iota
	// Incoming follows edges pointing at the start node back to their sources.
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Node is a snapshot of a stored node. Mutating it does not affect the store.
type Node struct {
	ID        string    `json:"id"`
	Label     Label     `json:"label"`
	Key       string    `json:"key"`
	Props     Props     `json:"props"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	// ErrNodeNotFound is returned when an id or (label, key) does not resolve.
	ErrNodeNotFound = errors.New("graph: node not found")
	// ErrInvalidNode is returned for an empty label or key.
	ErrInvalidNode = errors.New("graph: invalid node")
	// ErrUnavailable marks failures reaching the backing store. Callers treat
	// it as fatal for the whole operation.
	ErrUnavailable = errors.New("graph: store unavailable")
)

// Store is the graph persistence contract shared by every backend.
type Store interface {
	// UpsertNode returns the node with the given label and key, creating it
	// with onCreate when absent. An existing node is returned unchanged and
	// created reports false.
	UpsertNode(ctx context.Context, label Label, key string, onCreate Props) (node Node, created bool, err error)
	// CreateNode creates a node that has no natural key; its key is its id.
	CreateNode(ctx context.Context, label Label, props Props) (Node, error)
	GetNode(ctx context.Context, id string) (Node, error)
	GetNodeByKey(ctx context.Context, label Label, key string) (Node, error)
	// UpdateNode atomically replaces the properties of node id with the
	// result of fn. fn receives a private copy and must not call the store.
	UpdateNode(ctx context.Context, id string, fn func(Props) (Props, error)) (Node, error)
	// DeleteNode removes the node and every edge touching it.
	DeleteNode(ctx context.Context, id string) error
	// UpsertEdge links two existing nodes; repeated calls are no-ops.
	UpsertEdge(ctx context.Context, fromID string, typ EdgeType, toID string) error
	// FindNodes returns nodes of label accepted by pred (nil accepts all),
	// ordered by creation time then id.
	FindNodes(ctx context.Context, label Label, pred func(Node) bool) ([]Node, error)
	// Traverse returns the nodes one typ edge away from fromID.
	Traverse(ctx context.Context, fromID string, typ EdgeType, dir Direction) ([]Node, error)
	Ping(ctx context.Context) error
}

// First returns the first node of a Traverse result.
func First(nodes []Node) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}
	return nodes[0], true
}
