package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"fraudgraph.org/internal/model"
)

func sampleEvent() AlertEvent {
	return NewAlertEvent(model.Alert{
		ID:          "A1",
		Rule:        "MONTANT_ELEVE",
		Severity:    model.SeverityHigh,
		Description: "Transaction amount 20000 exceeds threshold 10000",
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, "TX-1", "ACC-1")
}

func TestHubDeliversAndUnsubscribes(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx)
	if h.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber")
	}

	_ = h.Publish(context.Background(), sampleEvent())
	select {
	case evt := <-ch:
		if evt.AlertID != "A1" || evt.TxID != "TX-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = h.Publish(context.Background(), sampleEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "TX-1" {
		t.Fatalf("key=%s", msg.Key)
	}
	var evt AlertEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Rule != "MONTANT_ELEVE" || evt.Severity != model.SeverityHigh {
		t.Fatalf("payload=%s", msg.Value)
	}
	if len(msg.Headers) == 0 || string(msg.Headers[0].Value) != EventTypeAlertRaised {
		t.Fatalf("headers=%v", msg.Headers)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("broker down")
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx)

	f := Fanout{h, nil, &KafkaPublisher{w: &fakeWriter{err: boom}}}
	if err := f.Publish(context.Background(), sampleEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected joined broker error, got %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("hub did not receive event despite kafka failure")
	}
}
