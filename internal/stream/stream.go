// Package stream distributes newly raised alerts to live subscribers (the
// SSE endpoint) and to external consumers (Kafka).
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"fraudgraph.org/internal/model"
)

// AlertEvent is published once per alert created by a detection run.
type AlertEvent struct {
	AlertID     string         `json:"alertId"`
	Rule        string         `json:"rule"`
	Severity    model.Severity `json:"severity"`
	Description string         `json:"description"`
	TxID        string         `json:"txId"`
	AccountID   string         `json:"accountId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// NewAlertEvent builds the event for alert a raised on transaction txID.
func NewAlertEvent(a model.Alert, txID, accountID string) AlertEvent {
	return AlertEvent{
		AlertID:     a.ID,
		Rule:        a.Rule,
		Severity:    a.Severity,
		Description: a.Description,
		TxID:        txID,
		AccountID:   accountID,
		CreatedAt:   a.CreatedAt,
	}
}

// Publisher delivers alert events somewhere.
type Publisher interface {
	Publish(ctx context.Context, evt AlertEvent) error
}

// Hub fans alert events out to all active subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan AlertEvent
	next int
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan AlertEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan AlertEvent {
	ch := make(chan AlertEvent, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all subscribers. It never blocks and never fails.
func (h *Hub) Publish(_ context.Context, evt AlertEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return nil
}

// Subscribers reports the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt AlertEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
