// Package neo4j implements graph.Store on a Neo4j database.
//
// Every node carries the GraphNode label next to its own, plus the reserved
// properties _id, _key and _created. Neo4j properties cannot hold maps, so
// map and list values are stored as JSON strings and listed in _json.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/ids"
)

const (
	baseLabel = "GraphNode"

	propID      = "_id"
	propKey     = "_key"
	propCreated = "_created"
	propJSON    = "_json"
	propRev     = "_rev"
)

type Store struct {
	drv      neo4j.DriverWithContext
	database string
	now      func() time.Time
}

var _ graph.Store = (*Store)(nil)

// Open connects to uri with basic auth. An empty database selects the
// server default.
func Open(uri, user, password, database string) (*Store, error) {
	drv, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, err
	}
	return &Store{drv: drv, database: database, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close(ctx context.Context) error { return s.drv.Close(ctx) }

// EnsureSchema creates the uniqueness constraints backing atomic upserts.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaStatements() {
		if err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
			_, err := tx.Run(ctx, q, nil)
			return err
		}); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func schemaStatements() []string {
	stmts := []string{
		fmt.Sprintf("CREATE CONSTRAINT graphnode_id IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE", baseLabel, propID),
	}
	for _, l := range graph.Labels {
		stmts = append(stmts, fmt.Sprintf("CREATE CONSTRAINT %s_key IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
			strings.ToLower(string(l)), l, propKey))
	}
	return stmts
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.drv.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *Store) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return classify(err)
}

func (s *Store) read(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)
	_, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return classify(err)
}

func (s *Store) UpsertNode(ctx context.Context, label graph.Label, key string, onCreate graph.Props) (graph.Node, bool, error) {
	if key == "" {
		return graph.Node{}, false, fmt.Errorf("%w: label %q key %q", graph.ErrInvalidNode, label, key)
	}
	if err := checkLabel(label); err != nil {
		return graph.Node{}, false, err
	}
	props, jsonKeys, err := encodeProps(onCreate)
	if err != nil {
		return graph.Node{}, false, err
	}
	now := s.now()
	id := ids.NewAt(now)
	q := fmt.Sprintf(`
		MERGE (n:%s:%s {%s: $key})
		ON CREATE SET n += $props, n.%s = $id, n.%s = $created, n.%s = $json
		RETURN n, n.%s = $id AS created`, baseLabel, label, propKey, propID, propCreated, propJSON, propID)
	params := map[string]any{"key": key, "props": props, "id": id, "created": now, "json": jsonKeys}

	var (
		node    graph.Node
		created bool
	)
	err = s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		rec, err := single(ctx, tx, q, params)
		if err != nil {
			return err
		}
		if node, err = nodeFromRecord(rec, "n"); err != nil {
			return err
		}
		created, _, err = neo4j.GetRecordValue[bool](rec, "created")
		return err
	})
	if err != nil {
		return graph.Node{}, false, err
	}
	return node, created, nil
}

func (s *Store) CreateNode(ctx context.Context, label graph.Label, props graph.Props) (graph.Node, error) {
	if err := checkLabel(label); err != nil {
		return graph.Node{}, err
	}
	encoded, jsonKeys, err := encodeProps(props)
	if err != nil {
		return graph.Node{}, err
	}
	now := s.now()
	id := ids.NewAt(now)
	q := fmt.Sprintf(`
		CREATE (n:%s:%s)
		SET n += $props, n.%s = $id, n.%s = $id, n.%s = $created, n.%s = $json
		RETURN n`, baseLabel, label, propID, propKey, propCreated, propJSON)
	params := map[string]any{"props": encoded, "id": id, "created": now, "json": jsonKeys}

	var node graph.Node
	err = s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		rec, err := single(ctx, tx, q, params)
		if err != nil {
			return err
		}
		node, err = nodeFromRecord(rec, "n")
		return err
	})
	return node, err
}

func (s *Store) GetNode(ctx context.Context, id string) (graph.Node, error) {
	q := fmt.Sprintf(`MATCH (n:%s {%s: $id}) RETURN n`, baseLabel, propID)
	return s.getOne(ctx, q, map[string]any{"id": id})
}

func (s *Store) GetNodeByKey(ctx context.Context, label graph.Label, key string) (graph.Node, error) {
	if err := checkLabel(label); err != nil {
		return graph.Node{}, err
	}
	q := fmt.Sprintf(`MATCH (n:%s {%s: $key}) RETURN n`, label, propKey)
	return s.getOne(ctx, q, map[string]any{"key": key})
}

func (s *Store) getOne(ctx context.Context, q string, params map[string]any) (graph.Node, error) {
	var node graph.Node
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		recs, err := collect(ctx, tx, q, params)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return graph.ErrNodeNotFound
		}
		node, err = nodeFromRecord(recs[0], "n")
		return err
	})
	return node, err
}

// UpdateNode bumps _rev first so the transaction holds the node's write lock
// while fn runs. The returned props replace the node's properties wholesale.
func (s *Store) UpdateNode(ctx context.Context, id string, fn func(graph.Props) (graph.Props, error)) (graph.Node, error) {
	lock := fmt.Sprintf(`MATCH (n:%s {%s: $id}) SET n.%s = coalesce(n.%s, 0) + 1 RETURN n, n.%s AS rev`,
		baseLabel, propID, propRev, propRev, propRev)
	set := fmt.Sprintf(`MATCH (n:%s {%s: $id}) SET n = $props RETURN n`, baseLabel, propID)

	var node graph.Node
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		recs, err := collect(ctx, tx, lock, map[string]any{"id": id})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return graph.ErrNodeNotFound
		}
		current, err := nodeFromRecord(recs[0], "n")
		if err != nil {
			return err
		}
		rev, _, err := neo4j.GetRecordValue[int64](recs[0], "rev")
		if err != nil {
			return err
		}
		next, err := fn(current.Props.Clone())
		if err != nil {
			return err
		}
		encoded, jsonKeys, err := encodeProps(next)
		if err != nil {
			return err
		}
		encoded[propID] = current.ID
		encoded[propKey] = current.Key
		encoded[propCreated] = current.CreatedAt
		encoded[propJSON] = jsonKeys
		encoded[propRev] = rev
		rec, err := single(ctx, tx, set, map[string]any{"id": id, "props": encoded})
		if err != nil {
			return err
		}
		node, err = nodeFromRecord(rec, "n")
		return err
	})
	return node, err
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	q := fmt.Sprintf(`MATCH (n:%s {%s: $id}) WITH n, n.%s AS id DETACH DELETE n RETURN count(id) AS deleted`,
		baseLabel, propID, propID)
	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		rec, err := single(ctx, tx, q, map[string]any{"id": id})
		if err != nil {
			return err
		}
		deleted, _, err := neo4j.GetRecordValue[int64](rec, "deleted")
		if err != nil {
			return err
		}
		if deleted == 0 {
			return graph.ErrNodeNotFound
		}
		return nil
	})
}

func (s *Store) UpsertEdge(ctx context.Context, fromID string, typ graph.EdgeType, toID string) error {
	if err := checkEdge(typ); err != nil {
		return err
	}
	q := fmt.Sprintf(`
		MATCH (a:%s {%s: $from})
		MATCH (b:%s {%s: $to})
		MERGE (a)-[r:%s]->(b)
		ON CREATE SET r.createdAt = $now
		RETURN count(r) AS linked`, baseLabel, propID, baseLabel, propID, typ)
	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		rec, err := single(ctx, tx, q, map[string]any{"from": fromID, "to": toID, "now": s.now()})
		if err != nil {
			return err
		}
		linked, _, err := neo4j.GetRecordValue[int64](rec, "linked")
		if err != nil {
			return err
		}
		if linked == 0 {
			return fmt.Errorf("%w: edge %s -%s-> %s", graph.ErrNodeNotFound, fromID, typ, toID)
		}
		return nil
	})
}

func (s *Store) FindNodes(ctx context.Context, label graph.Label, pred func(graph.Node) bool) ([]graph.Node, error) {
	if err := checkLabel(label); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`MATCH (n:%s) RETURN n ORDER BY n.%s, n.%s`, label, propCreated, propID)
	var out []graph.Node
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		recs, err := collect(ctx, tx, q, nil)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, rec := range recs {
			n, err := nodeFromRecord(rec, "n")
			if err != nil {
				return err
			}
			if pred == nil || pred(n) {
				out = append(out, n)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) Traverse(ctx context.Context, fromID string, typ graph.EdgeType, dir graph.Direction) ([]graph.Node, error) {
	if err := checkEdge(typ); err != nil {
		return nil, err
	}
	q := traverseQuery(typ, dir)
	exists := fmt.Sprintf(`MATCH (a:%s {%s: $id}) RETURN count(a) AS found`, baseLabel, propID)
	var out []graph.Node
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		recs, err := collect(ctx, tx, q, map[string]any{"id": fromID})
		if err != nil {
			return err
		}
		out = out[:0]
		for _, rec := range recs {
			n, err := nodeFromRecord(rec, "n")
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		if len(out) > 0 {
			return nil
		}
		rec, err := single(ctx, tx, exists, map[string]any{"id": fromID})
		if err != nil {
			return err
		}
		found, _, err := neo4j.GetRecordValue[int64](rec, "found")
		if err != nil {
			return err
		}
		if found == 0 {
			return graph.ErrNodeNotFound
		}
		return nil
	})
	return out, err
}

func traverseQuery(typ graph.EdgeType, dir graph.Direction) string {
	pattern := "(a)-[r:%s]->(n)"
	if dir == graph.Incoming {
		pattern = "(a)<-[r:%s]-(n)"
	}
	return fmt.Sprintf(`MATCH (a:%s {%s: $id}) MATCH `+pattern+` RETURN n ORDER BY r.createdAt, n.%s`,
		baseLabel, propID, typ, propID)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.drv.VerifyConnectivity(ctx))
}

func collect(ctx context.Context, tx neo4j.ManagedTransaction, q string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := tx.Run(ctx, q, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func single(ctx context.Context, tx neo4j.ManagedTransaction, q string, params map[string]any) (*neo4j.Record, error) {
	recs, err := collect(ctx, tx, q, params)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.New("neo4j: query returned no rows")
	}
	return recs[0], nil
}

// Labels and relationship types are interpolated into Cypher, so only the
// known ones are accepted.
func checkLabel(l graph.Label) error {
	if !slices.Contains(graph.Labels, l) {
		return fmt.Errorf("%w: unknown label %q", graph.ErrInvalidNode, l)
	}
	return nil
}

func checkEdge(t graph.EdgeType) error {
	if !slices.Contains(graph.EdgeTypes, t) {
		return fmt.Errorf("neo4j: unknown relationship type %q", t)
	}
	return nil
}

func nodeFromRecord(rec *neo4j.Record, key string) (graph.Node, error) {
	n, isNil, err := neo4j.GetRecordValue[neo4j.Node](rec, key)
	if err != nil {
		return graph.Node{}, err
	}
	if isNil {
		return graph.Node{}, graph.ErrNodeNotFound
	}
	return decodeNode(n.Labels, n.Props)
}

func decodeNode(labels []string, raw map[string]any) (graph.Node, error) {
	node := graph.Node{Props: graph.Props{}}
	for _, l := range labels {
		if l != baseLabel {
			node.Label = graph.Label(l)
		}
	}
	node.ID, _ = raw[propID].(string)
	node.Key, _ = raw[propKey].(string)
	if t, ok := raw[propCreated].(time.Time); ok {
		node.CreatedAt = t.UTC()
	}
	jsonKeys := map[string]bool{}
	if list, ok := raw[propJSON].([]any); ok {
		for _, k := range list {
			if s, ok := k.(string); ok {
				jsonKeys[s] = true
			}
		}
	}
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		switch {
		case jsonKeys[k]:
			s, _ := v.(string)
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return graph.Node{}, fmt.Errorf("decode property %s: %w", k, err)
			}
			node.Props[k] = decoded
		default:
			node.Props[k] = normalize(v)
		}
	}
	return node, nil
}

// encodeProps flattens p into values Neo4j can store. Nil values are
// dropped, maps and slices become JSON strings.
func encodeProps(p graph.Props) (map[string]any, []string, error) {
	out := make(map[string]any, len(p))
	jsonKeys := []string{}
	for k, v := range p {
		if strings.HasPrefix(k, "_") {
			return nil, nil, fmt.Errorf("%w: property %q uses the reserved prefix", graph.ErrInvalidNode, k)
		}
		switch t := v.(type) {
		case nil:
		case map[string]any, graph.Props, []any, []string:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, nil, fmt.Errorf("encode property %s: %w", k, err)
			}
			out[k] = string(b)
			jsonKeys = append(jsonKeys, k)
		default:
			out[k] = v
		}
	}
	slices.Sort(jsonKeys)
	return out, jsonKeys, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case time.Time:
		return graph.FormatTime(t)
	default:
		return v
	}
}

// classify marks connectivity failures as graph.ErrUnavailable.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %v", graph.ErrUnavailable, err)
	}
	return err
}

func unavailable(err error) bool {
	if neo4j.IsConnectivityError(err) || neo4j.IsTransactionExecutionLimit(err) {
		return true
	}
	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		return strings.HasPrefix(ne.Code, "Neo.TransientError.General.DatabaseUnavailable") ||
			strings.HasPrefix(ne.Code, "Neo.ClientError.Security.AuthenticationRateLimit")
	}
	return false
}
