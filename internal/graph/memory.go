package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"fraudgraph.org/internal/ids"
)

const shardCount = 32

// keyShard guards the (label, key) -> id index for a slice of the key space.
// Holding the shard lock across lookup and insert makes upsert a
// compare-and-insert.
type keyShard struct {
	mu  sync.Mutex
	ids map[string]string
}

type edgeKey struct {
	from string
	typ  EdgeType
	to   string
}

// Memory is a thread-safe in-process Store.
//
// Lock order is shard before mu; mu is only held for map access.
type Memory struct {
	shards [shardCount]keyShard

	mu    sync.RWMutex
	nodes map[string]*Node
	out   map[string]map[EdgeType][]string
	in    map[string]map[EdgeType][]string
	edges map[edgeKey]struct{}

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty graph.
func NewMemory() *Memory {
	m := &Memory{
		nodes: make(map[string]*Node),
		out:   make(map[string]map[EdgeType][]string),
		in:    make(map[string]map[EdgeType][]string),
		edges: make(map[edgeKey]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for i := range m.shards {
		m.shards[i].ids = make(map[string]string)
	}
	return m
}

// WithClock overrides the creation clock. Intended for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func indexKey(label Label, key string) string {
	return string(label) + "\x00" + key
}

func (m *Memory) shard(label Label, key string) *keyShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(indexKey(label, key)))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Memory) UpsertNode(ctx context.Context, label Label, key string, onCreate Props) (Node, bool, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, false, err
	}
	if label == "" || key == "" {
		return Node{}, false, fmt.Errorf("%w: label %q key %q", ErrInvalidNode, label, key)
	}
	sh := m.shard(label, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if id, ok := sh.ids[indexKey(label, key)]; ok {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return cloneNode(m.nodes[id]), false, nil
	}

	now := m.now()
	n := &Node{
		ID:        ids.NewAt(now),
		Label:     label,
		Key:       key,
		Props:     onCreate.Clone(),
		CreatedAt: now,
	}
	m.mu.Lock()
	m.nodes[n.ID] = n
	m.mu.Unlock()
	sh.ids[indexKey(label, key)] = n.ID
	return cloneNode(n), true, nil
}

func (m *Memory) CreateNode(ctx context.Context, label Label, props Props) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	if label == "" {
		return Node{}, fmt.Errorf("%w: empty label", ErrInvalidNode)
	}
	now := m.now()
	n := &Node{
		ID:        ids.NewAt(now),
		Label:     label,
		Props:     props.Clone(),
		CreatedAt: now,
	}
	n.Key = n.ID
	sh := m.shard(label, n.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m.mu.Lock()
	m.nodes[n.ID] = n
	m.mu.Unlock()
	sh.ids[indexKey(label, n.Key)] = n.ID
	return cloneNode(n), nil
}

func (m *Memory) GetNode(ctx context.Context, id string) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return cloneNode(n), nil
}

func (m *Memory) GetNodeByKey(ctx context.Context, label Label, key string) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	sh := m.shard(label, key)
	sh.mu.Lock()
	id, ok := sh.ids[indexKey(label, key)]
	sh.mu.Unlock()
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return m.GetNode(ctx, id)
}

func (m *Memory) UpdateNode(ctx context.Context, id string, fn func(Props) (Props, error)) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	next, err := fn(n.Props.Clone())
	if err != nil {
		return Node{}, err
	}
	n.Props = next.Clone()
	return cloneNode(n), nil
}

func (m *Memory) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	n, ok := m.nodes[id]
	var label Label
	var key string
	if ok {
		label, key = n.Label, n.Key
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	sh := m.shard(label, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	for typ, targets := range m.out[id] {
		for _, to := range targets {
			delete(m.edges, edgeKey{from: id, typ: typ, to: to})
			m.in[to][typ] = without(m.in[to][typ], id)
		}
	}
	for typ, sources := range m.in[id] {
		for _, from := range sources {
			delete(m.edges, edgeKey{from: from, typ: typ, to: id})
			m.out[from][typ] = without(m.out[from][typ], id)
		}
	}
	delete(m.out, id)
	delete(m.in, id)
	delete(m.nodes, id)
	delete(sh.ids, indexKey(label, key))
	return nil
}

func (m *Memory) UpsertEdge(ctx context.Context, fromID string, typ EdgeType, toID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[fromID]; !ok {
		return fmt.Errorf("%w: edge source %s", ErrNodeNotFound, fromID)
	}
	if _, ok := m.nodes[toID]; !ok {
		return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, toID)
	}
	k := edgeKey{from: fromID, typ: typ, to: toID}
	if _, ok := m.edges[k]; ok {
		return nil
	}
	m.edges[k] = struct{}{}
	if m.out[fromID] == nil {
		m.out[fromID] = make(map[EdgeType][]string)
	}
	if m.in[toID] == nil {
		m.in[toID] = make(map[EdgeType][]string)
	}
	m.out[fromID][typ] = append(m.out[fromID][typ], toID)
	m.in[toID][typ] = append(m.in[toID][typ], fromID)
	return nil
}

func (m *Memory) FindNodes(ctx context.Context, label Label, pred func(Node) bool) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var res []Node
	for _, n := range m.nodes {
		if n.Label != label {
			continue
		}
		c := cloneNode(n)
		if pred == nil || pred(c) {
			res = append(res, c)
		}
	}
	m.mu.RUnlock()
	SortNodes(res)
	return res, nil
}

func (m *Memory) Traverse(ctx context.Context, fromID string, typ EdgeType, dir Direction) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[fromID]; !ok {
		return nil, ErrNodeNotFound
	}
	adj := m.out
	if dir == Incoming {
		adj = m.in
	}
	var res []Node
	for _, id := range adj[fromID][typ] {
		res = append(res, cloneNode(m.nodes[id]))
	}
	return res, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// SortNodes orders nodes by creation time, then id.
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func cloneNode(n *Node) Node {
	c := *n
	c.Props = n.Props.Clone()
	return c
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
