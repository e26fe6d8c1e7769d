package pg

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"fraudgraph.org/internal/graph"
)

var cols = []string{"id", "label", "key", "props", "created_at"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestUpsertNodeCreates(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("insert into graph_nodes").
		WithArgs(sqlmock.AnyArg(), "Account", "ACC-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("n1", "Account", "ACC-1", []byte(`{"owner":"alice"}`), created))

	n, ok, err := s.UpsertNode(context.Background(), graph.LabelAccount, "ACC-1", graph.Props{"owner": "alice"})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if !ok || n.ID != "n1" || n.Props.String("owner") != "alice" || !n.CreatedAt.Equal(created) {
		t.Fatalf("unexpected node: %+v created=%v", n, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertNodeReturnsExisting(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into graph_nodes").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("select id, label, key, props, created_at from graph_nodes where label").
		WithArgs("Account", "ACC-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("n0", "Account", "ACC-1", []byte(`{"owner":"bob"}`), time.Now()))

	n, ok, err := s.UpsertNode(context.Background(), graph.LabelAccount, "ACC-1", graph.Props{"owner": "alice"})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if ok || n.ID != "n0" || n.Props.String("owner") != "bob" {
		t.Fatalf("expected the existing node unchanged: %+v created=%v", n, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertNodeRejectsEmptyKey(t *testing.T) {
	s, _ := newMock(t)
	if _, _, err := s.UpsertNode(context.Background(), graph.LabelAccount, "", nil); !errors.Is(err, graph.ErrInvalidNode) {
		t.Fatalf("expected ErrInvalidNode, got %v", err)
	}
}

func TestUpdateNode(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select props from graph_nodes where id").WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"props"}).AddRow([]byte(`{"status":"NEW"}`)))
	mock.ExpectQuery("update graph_nodes set props").WithArgs("a1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "Alert", "k", []byte(`{"status":"VALIDATED"}`), time.Now()))
	mock.ExpectCommit()

	n, err := s.UpdateNode(context.Background(), "a1", func(p graph.Props) (graph.Props, error) {
		if p.String("status") != "NEW" {
			t.Fatalf("fn saw %v", p)
		}
		p["status"] = "VALIDATED"
		return p, nil
	})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if n.Props.String("status") != "VALIDATED" {
		t.Fatalf("unexpected props: %v", n.Props)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateNodeAbortRollsBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select props from graph_nodes where id").WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"props"}).AddRow([]byte(`{}`)))
	mock.ExpectRollback()

	stop := errors.New("stop")
	if _, err := s.UpdateNode(context.Background(), "a1", func(graph.Props) (graph.Props, error) { return nil, stop }); !errors.Is(err, stop) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertEdgeMissingNode(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into graph_edges").
		WithArgs("a", "OWNS", "b", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	if err := s.UpsertEdge(context.Background(), "a", graph.EdgeOwns, "b"); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestDeleteNodeNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from graph_nodes").WithArgs("x").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.DeleteNode(context.Background(), "x"); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestFindNodesAppliesPredicate(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("from graph_nodes where label").WithArgs("Rule").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r1", "Rule", "A", []byte(`{"enabled":true}`), now).
			AddRow("r2", "Rule", "B", []byte(`{"enabled":false}`), now))

	nodes, err := s.FindNodes(context.Background(), graph.LabelRule, func(n graph.Node) bool { return n.Props.Bool("enabled") })
	if err != nil {
		t.Fatalf("FindNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "r1" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestTraverse(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("join graph_nodes n on n.id = e.from_id").WithArgs("tx1", "PERFORMED").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("acc1", "Account", "ACC-1", []byte(`{}`), time.Now()))

	nodes, err := s.Traverse(context.Background(), "tx1", graph.EdgePerformed, graph.Incoming)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Key != "ACC-1" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}

	mock.ExpectQuery("join graph_nodes n on n.id = e.to_id").WithArgs("ghost", "FROM_IP").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("select exists").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if _, err := s.Traverse(context.Background(), "ghost", graph.EdgeFromIP, graph.Outgoing); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConnectivityErrorsAreUnavailable(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from graph_nodes where id").
		WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"})
	if _, err := s.GetNode(context.Background(), "n1"); !errors.Is(err, graph.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	mock.ExpectExec("insert into graph_edges").
		WillReturnError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})
	if err := s.UpsertEdge(context.Background(), "a", graph.EdgeOwns, "b"); !errors.Is(err, graph.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	mock.ExpectQuery("from graph_nodes where id").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	if _, err := s.GetNode(context.Background(), "n1"); err == nil || errors.Is(err, graph.ErrUnavailable) {
		t.Fatalf("constraint errors must not be reported as unavailable: %v", err)
	}
}
