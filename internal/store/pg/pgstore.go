// Package pg implements graph.Store on PostgreSQL: nodes and edges live in
// two tables, node properties in a jsonb column. The schema is applied by
// package migrate.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/ids"
)

const nodeColumns = `id, label, key, props, created_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ graph.Store = (*Store)(nil)

// Open connects with the pgx stdlib driver.
func Open(dsn string, maxOpen int, maxLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) UpsertNode(ctx context.Context, label graph.Label, key string, onCreate graph.Props) (graph.Node, bool, error) {
	if label == "" || key == "" {
		return graph.Node{}, false, fmt.Errorf("%w: label %q key %q", graph.ErrInvalidNode, label, key)
	}
	props, err := encodeProps(onCreate)
	if err != nil {
		return graph.Node{}, false, err
	}
	now := s.now()
	n, err := scanNode(s.db.QueryRowContext(ctx, `
		insert into graph_nodes(id, label, key, props, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (label, key) do nothing
		returning `+nodeColumns,
		ids.NewAt(now), string(label), key, props, now))
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return graph.Node{}, false, classify(err)
	}
	// Lost the race or already present.
	n, err = s.GetNodeByKey(ctx, label, key)
	if err != nil {
		return graph.Node{}, false, err
	}
	return n, false, nil
}

func (s *Store) CreateNode(ctx context.Context, label graph.Label, props graph.Props) (graph.Node, error) {
	if label == "" {
		return graph.Node{}, fmt.Errorf("%w: empty label", graph.ErrInvalidNode)
	}
	raw, err := encodeProps(props)
	if err != nil {
		return graph.Node{}, err
	}
	now := s.now()
	id := ids.NewAt(now)
	n, err := scanNode(s.db.QueryRowContext(ctx, `
		insert into graph_nodes(id, label, key, props, created_at)
		values ($1, $2, $1, $3, $4)
		returning `+nodeColumns,
		id, string(label), raw, now))
	if err != nil {
		return graph.Node{}, classify(err)
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (graph.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `select `+nodeColumns+` from graph_nodes where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Node{}, graph.ErrNodeNotFound
	}
	return n, classify(err)
}

func (s *Store) GetNodeByKey(ctx context.Context, label graph.Label, key string) (graph.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		`select `+nodeColumns+` from graph_nodes where label = $1 and key = $2`, string(label), key))
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Node{}, graph.ErrNodeNotFound
	}
	return n, classify(err)
}

func (s *Store) UpdateNode(ctx context.Context, id string, fn func(graph.Props) (graph.Props, error)) (graph.Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.Node{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `select props from graph_nodes where id = $1 for update`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Node{}, graph.ErrNodeNotFound
	}
	if err != nil {
		return graph.Node{}, classify(err)
	}
	current, err := decodeProps(raw)
	if err != nil {
		return graph.Node{}, err
	}
	next, err := fn(current)
	if err != nil {
		return graph.Node{}, err
	}
	encoded, err := encodeProps(next)
	if err != nil {
		return graph.Node{}, err
	}
	n, err := scanNode(tx.QueryRowContext(ctx,
		`update graph_nodes set props = $2 where id = $1 returning `+nodeColumns, id, encoded))
	if err != nil {
		return graph.Node{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return graph.Node{}, classify(err)
	}
	return n, nil
}

// DeleteNode removes the node; its edges go with it through the foreign keys.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from graph_nodes where id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return graph.ErrNodeNotFound
	}
	return nil
}

func (s *Store) UpsertEdge(ctx context.Context, fromID string, typ graph.EdgeType, toID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into graph_edges(from_id, type, to_id, created_at)
		values ($1, $2, $3, $4)
		on conflict do nothing`, fromID, string(typ), toID, s.now())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: edge %s -%s-> %s", graph.ErrNodeNotFound, fromID, typ, toID)
	}
	return classify(err)
}

func (s *Store) FindNodes(ctx context.Context, label graph.Label, pred func(graph.Node) bool) ([]graph.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+nodeColumns+` from graph_nodes where label = $1 order by created_at, id`, string(label))
	if err != nil {
		return nil, classify(err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return nodes, nil
	}
	out := nodes[:0]
	for _, n := range nodes {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) Traverse(ctx context.Context, fromID string, typ graph.EdgeType, dir graph.Direction) ([]graph.Node, error) {
	near, far := "from_id", "to_id"
	if dir == graph.Incoming {
		near, far = far, near
	}
	q := fmt.Sprintf(`
		select n.id, n.label, n.key, n.props, n.created_at
		from graph_edges e join graph_nodes n on n.id = e.%s
		where e.%s = $1 and e.type = $2
		order by e.created_at, n.id`, far, near)
	rows, err := s.db.QueryContext(ctx, q, fromID, string(typ))
	if err != nil {
		return nil, classify(err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from graph_nodes where id = $1)`, fromID).Scan(&exists); err != nil {
			return nil, classify(err)
		}
		if !exists {
			return nil, graph.ErrNodeNotFound
		}
	}
	return nodes, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (graph.Node, error) {
	var (
		n       graph.Node
		label   string
		raw     []byte
		created time.Time
	)
	if err := row.Scan(&n.ID, &label, &n.Key, &raw, &created); err != nil {
		return graph.Node{}, err
	}
	props, err := decodeProps(raw)
	if err != nil {
		return graph.Node{}, err
	}
	n.Label = graph.Label(label)
	n.Props = props
	n.CreatedAt = created.UTC()
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]graph.Node, error) {
	defer rows.Close()
	var out []graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, n)
	}
	return out, classify(rows.Err())
}

func encodeProps(p graph.Props) ([]byte, error) {
	if p == nil {
		p = graph.Props{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode props: %w", err)
	}
	return b, nil
}

func decodeProps(raw []byte) (graph.Props, error) {
	p := graph.Props{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return p, nil
}

// classify marks connectivity failures as graph.ErrUnavailable and leaves
// everything else as is.
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
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P0x are shutdown and crash.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	return false
}
