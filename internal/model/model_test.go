package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fraudgraph.org/internal/graph"
)

func TestTransactionPropsRoundTrip(t *testing.T) {
	date := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)
	in := Transaction{
		TxID:        "TX-9",
		Amount:      decimal.RequireFromString("10000.01"),
		Currency:    "EUR",
		Date:        date,
		Status:      "COMPLETED",
		ProcessedAt: date.Add(time.Hour),
	}
	out := TransactionFromNode(graph.Node{ID: "n1", Props: TransactionProps(in)})

	if !out.Amount.Equal(in.Amount) || out.TxID != "TX-9" || out.Currency != "EUR" {
		t.Fatalf("unexpected transaction: %+v", out)
	}
	if !out.Date.Equal(date) || !out.ProcessedAt.Equal(in.ProcessedAt) {
		t.Fatalf("timestamps lost: %+v", out)
	}
}

func TestAlertResolutionFields(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	props := AlertProps(Alert{Rule: "MONTANT_ELEVE", Severity: SeverityHigh, Status: AlertNew, CreatedAt: created})
	a := AlertFromNode(graph.Node{ID: "a1", Props: props})
	if a.ResolvedAt != nil || a.Status != AlertNew || !a.CreatedAt.Equal(created) {
		t.Fatalf("unexpected new alert: %+v", a)
	}

	props[PropStatus] = string(AlertValidated)
	props[PropResolvedAt] = graph.FormatTime(created.Add(time.Hour))
	props[PropResolvedBy] = "ana"
	a = AlertFromNode(graph.Node{ID: "a1", Props: props})
	if a.ResolvedAt == nil || a.ResolvedBy != "ana" || !a.Status.Terminal() {
		t.Fatalf("resolution not mapped: %+v", a)
	}
}

func TestEnums(t *testing.T) {
	if !RoleAnalyst.Valid() || Role("CLIENT").Valid() {
		t.Fatalf("role validation broken")
	}
	if AlertNew.Terminal() {
		t.Fatalf("NEW must not be terminal")
	}
	if !SeverityCritical.Valid() || Severity("LOW").Valid() {
		t.Fatalf("severity validation broken")
	}
}
