package sim

import (
	"sync"

	"github.com/shopspring/decimal"

	"fraudgraph.org/internal/ingest"
)

// Counter tallies what a run sent. It is safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	records  int
	volume   decimal.Decimal
	currency string
	planted  map[Pattern]int
}

func (c *Counter) Add(records []ingest.Record, planted []Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.records++
		if d, err := decimal.NewFromString(string(r.Amount)); err == nil {
			c.volume = c.volume.Add(d)
		}
		if c.currency == "" {
			c.currency = r.Currency
		}
	}
	if c.planted == nil {
		c.planted = map[Pattern]int{}
	}
	for _, p := range planted {
		c.planted[p]++
	}
}

// Summary is a point-in-time copy of a Counter.
type Summary struct {
	Records  int             `json:"records"`
	Volume   decimal.Decimal `json:"volume"`
	Currency string          `json:"currency"`
	Planted  map[Pattern]int `json:"planted"`
}

func (c *Counter) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	planted := make(map[Pattern]int, len(c.planted))
	for k, v := range c.planted {
		planted[k] = v
	}
	return Summary{Records: c.records, Volume: c.volume, Currency: c.currency, Planted: planted}
}
