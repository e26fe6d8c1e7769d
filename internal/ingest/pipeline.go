// Package ingest turns batches of raw transaction records into graph
// mutations. Records are processed independently: a bad record is reported
// and skipped, it never aborts the batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
)

// ErrConflict marks a record whose txId already exists with different links.
var ErrConflict = errors.New("conflict")

// Report summarizes a batch.
type Report struct {
	Processed    int           `json:"processed"`
	Errors       int           `json:"errors"`
	ErrorDetails []ErrorDetail `json:"errorDetails"`
}

// ErrorDetail names the record that failed and why.
type ErrorDetail struct {
	TxID  string `json:"txId"`
	Error string `json:"error"`
}

// Pipeline writes records into a graph store.
type Pipeline struct {
	store    graph.Store
	audit    audit.Sink
	validate *validator.Validate
	now      func() time.Time
}

// New creates a pipeline. sink may be nil.
func New(store graph.Store, sink audit.Sink) *Pipeline {
	return &Pipeline{
		store:    store,
		audit:    sink,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes records in order.
func (p *Pipeline) Ingest(ctx context.Context, records []Record) (Report, error) {
	return p.IngestFrom(ctx, "", records)
}

// IngestFrom is Ingest with a source name (an uploaded file) for the audit trail.
//
// A store outage or a canceled context stops the batch and is returned with
// the partial report; every other failure is confined to its record.
func (p *Pipeline) IngestFrom(ctx context.Context, source string, records []Record) (Report, error) {
	report := Report{ErrorDetails: []ErrorDetail{}}
	for _, rec := range records {
		err := p.ingestOne(ctx, rec)
		if err == nil {
			report.Processed++
			obs.IngestRecord("ok")
			continue
		}
		if errors.Is(err, graph.ErrUnavailable) || ctx.Err() != nil {
			return report, fmt.Errorf("ingest aborted at txId %q: %w", rec.TxID, err)
		}
		obs.IngestRecord("error")
		obs.Logger().WarnContext(ctx, "ingest record failed", "tx_id", rec.TxID, "err", err)
		report.Errors++
		report.ErrorDetails = append(report.ErrorDetails, ErrorDetail{TxID: rec.TxID, Error: err.Error()})
	}

	details := fmt.Sprintf("Imported %d transactions (%d errors)", report.Processed, report.Errors)
	if source != "" {
		details += " from " + source
	}
	audit.Record(ctx, p.audit, audit.ActionImport, details)
	return report, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, rec Record) error {
	r, err := p.parse(rec)
	if err != nil {
		return err
	}
	now := p.now()

	tx, created, err := p.store.UpsertNode(ctx, graph.LabelTransaction, r.TxID, model.TransactionProps(model.Transaction{
		TxID:        r.TxID,
		Amount:      r.amount,
		Currency:    r.Currency,
		Date:        r.date,
		Status:      r.Status,
		ProcessedAt: now,
	}))
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	if !created {
		if err := p.checkLinks(ctx, tx, r); err != nil {
			return err
		}
	}

	user, _, err := p.store.UpsertNode(ctx, graph.LabelUser, r.UserName, graph.Props{
		model.PropUsername:  r.UserName,
		model.PropStatus:    string(model.UserActive),
		model.PropCreatedAt: graph.FormatTime(now),
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	account, _, err := p.store.UpsertNode(ctx, graph.LabelAccount, r.AccountID, graph.Props{
		model.PropAccountID: r.AccountID,
		model.PropOwner:     r.UserName,
	})
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	if err := p.store.UpsertEdge(ctx, user.ID, graph.EdgeOwns, account.ID); err != nil {
		return fmt.Errorf("link owner: %w", err)
	}

	merchant, _, err := p.store.UpsertNode(ctx, graph.LabelMerchant, r.MerchantID, graph.Props{
		model.PropMerchantID: r.MerchantID,
		model.PropName:       r.MerchantName,
	})
	if err != nil {
		return fmt.Errorf("upsert merchant: %w", err)
	}
	device, _, err := p.store.UpsertNode(ctx, graph.LabelDevice, r.DeviceID, graph.Props{
		model.PropDeviceID: r.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	ip, _, err := p.store.UpsertNode(ctx, graph.LabelIP, r.IPAddress, graph.Props{
		model.PropAddress: r.IPAddress,
	})
	if err != nil {
		return fmt.Errorf("upsert ip: %w", err)
	}

	links := []struct {
		from, to string
		typ      graph.EdgeType
	}{
		{account.ID, tx.ID, graph.EdgePerformed},
		{tx.ID, merchant.ID, graph.EdgeToMerchant},
		{tx.ID, device.ID, graph.EdgeFromDevice},
		{tx.ID, ip.ID, graph.EdgeFromIP},
	}
	for _, l := range links {
		if err := p.store.UpsertEdge(ctx, l.from, l.typ, l.to); err != nil {
			return fmt.Errorf("link %s: %w", l.typ, err)
		}
	}
	return nil
}

// checkLinks rejects a re-ingested txId whose account, merchant, device or
// IP differ from what is already linked, keeping each of those relations
// single-valued. Missing links are fine: they are filled in afterwards.
func (p *Pipeline) checkLinks(ctx context.Context, tx graph.Node, r parsed) error {
	checks := []struct {
		typ  graph.EdgeType
		dir  graph.Direction
		want string
	}{
		{graph.EdgePerformed, graph.Incoming, r.AccountID},
		{graph.EdgeToMerchant, graph.Outgoing, r.MerchantID},
		{graph.EdgeFromDevice, graph.Outgoing, r.DeviceID},
		{graph.EdgeFromIP, graph.Outgoing, r.IPAddress},
	}
	for _, c := range checks {
		nodes, err := p.store.Traverse(ctx, tx.ID, c.typ, c.dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", c.typ, err)
		}
		if existing, ok := graph.First(nodes); ok && existing.Key != c.want {
			return fmt.Errorf("%w: transaction %s already has %s %s, record says %s",
				ErrConflict, r.TxID, c.typ, existing.Key, c.want)
		}
	}
	return nil
}
