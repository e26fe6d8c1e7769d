package graph

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPropsAccessorsSurviveJSON(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 123, time.UTC)
	p := Props{
		"amount":     "10000.01",
		"threshold":  2.0,
		"enabled":    true,
		"date":       FormatTime(at),
		"parameters": map[string]any{"window": 600.0},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back Props
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}

	if back.String("amount") != "10000.01" {
		t.Fatalf("amount: %v", back["amount"])
	}
	if v, ok := back.Float("threshold"); !ok || v != 2 {
		t.Fatalf("threshold: %v %v", v, ok)
	}
	if !back.Bool("enabled") {
		t.Fatalf("enabled lost")
	}
	if d, ok := back.Time("date"); !ok || !d.Equal(at) {
		t.Fatalf("date: %v %v", d, ok)
	}
	if back.Map("parameters")["window"] != 600.0 {
		t.Fatalf("parameters: %v", back["parameters"])
	}
	if _, ok := back.Float("missing"); ok {
		t.Fatalf("missing key reported as present")
	}
}
