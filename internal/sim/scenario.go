// Package sim generates synthetic transaction traffic for demos and load
// runs. Background traffic is quiet on its own; each planted pattern is sized
// to trip exactly one of the built-in rules at its default threshold.
package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"fraudgraph.org/internal/ingest"
)

// Pattern names a planted fraud shape.
type Pattern string

const (
	PatternNone         Pattern = ""
	PatternHighAmount   Pattern = "HIGH_AMOUNT"
	PatternSharedIP     Pattern = "SHARED_IP"
	PatternBurst        Pattern = "BURST"
	PatternMultiAccount Pattern = "MULTI_ACCOUNT" // one device, several accounts
)

// Patterns lists every plantable pattern.
var Patterns = []Pattern{PatternHighAmount, PatternSharedIP, PatternBurst, PatternMultiAccount}

type Merchant struct {
	ID   string
	Name string
}

// Scenario is the static cast the generator draws from.
type Scenario struct {
	Name       string
	Currency   string
	Merchants  []Merchant
	FirstNames []string
}

func RetailScenario() Scenario {
	return Scenario{
		Name:     "RetailCardTraffic",
		Currency: "EUR",
		Merchants: []Merchant{
			{ID: "M-1001", Name: "Boulangerie Centrale"},
			{ID: "M-1002", Name: "Electro Depot"},
			{ID: "M-1003", Name: "Voyages Horizon"},
			{ID: "M-1004", Name: "Pharmacie du Port"},
			{ID: "M-1005", Name: "Garage Martin"},
		},
		FirstNames: []string{"Alice", "Bruno", "Chloe", "David", "Emma", "Farid", "Gaelle", "Hugo"},
	}
}

// Generator is not safe for concurrent use.
type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
	clock    time.Time
	seq      int
	// RunID prefixes every generated identifier so separate runs against the
	// same store do not collide.
	RunID string
}

// NewGenerator seeds the generator; a zero seed uses the current time.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))
	return &Generator{
		scenario: RetailScenario(),
		rnd:      rnd,
		clock:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		RunID:    fmt.Sprintf("S%04X", rnd.Intn(0x10000)),
	}
}

func (g *Generator) Scenario() Scenario { return g.scenario }

func (g *Generator) next() int {
	g.seq++
	return g.seq
}

// advance moves the generator clock; background traffic is spaced by hours
// so no account ever reaches the velocity threshold by accident.
func (g *Generator) advance(d time.Duration) time.Time {
	g.clock = g.clock.Add(d)
	return g.clock
}

type actor struct {
	user, account, device, ip string
}

func (g *Generator) newActor() actor {
	n := g.next()
	name := g.scenario.FirstNames[g.rnd.Intn(len(g.scenario.FirstNames))]
	return actor{
		user:    fmt.Sprintf("%s %s-%d", name, g.RunID, n),
		account: fmt.Sprintf("%s-ACC-%05d", g.RunID, n),
		device:  fmt.Sprintf("%s-DEV-%05d", g.RunID, n),
		ip:      fmt.Sprintf("10.%d.%d.%d", n/65536%256, n/256%256, n%256),
	}
}

func (g *Generator) record(a actor, amount decimal.Decimal, at time.Time) ingest.Record {
	m := g.scenario.Merchants[g.rnd.Intn(len(g.scenario.Merchants))]
	return ingest.Record{
		UserName:     a.user,
		AccountID:    a.account,
		MerchantID:   m.ID,
		MerchantName: m.Name,
		DeviceID:     a.device,
		IPAddress:    a.ip,
		TxID:         fmt.Sprintf("%s-TX-%07d", g.RunID, g.next()),
		Amount:       ingest.Text(amount.StringFixed(2)),
		Currency:     g.scenario.Currency,
		Date:         at.Format(time.RFC3339),
		Status:       "COMPLETED",
	}
}

// amount returns a value in [lo, hi) with cent precision.
func (g *Generator) amount(lo, hi int) decimal.Decimal {
	cents := int64(lo*100 + g.rnd.Intn((hi-lo)*100))
	return decimal.New(cents, -2)
}

// Normal returns one quiet transaction from a fresh actor.
func (g *Generator) Normal() ingest.Record {
	return g.record(g.newActor(), g.amount(5, 2000), g.advance(time.Duration(1+g.rnd.Intn(3))*time.Hour))
}

// Plant returns the records of one occurrence of p.
func (g *Generator) Plant(p Pattern) []ingest.Record {
	switch p {
	case PatternHighAmount:
		return []ingest.Record{g.record(g.newActor(), g.amount(12000, 80000), g.advance(time.Hour))}
	case PatternSharedIP:
		shared := g.newActor().ip
		out := make([]ingest.Record, 0, 3)
		for i := 0; i < 3; i++ {
			a := g.newActor()
			a.ip = shared
			out = append(out, g.record(a, g.amount(20, 400), g.advance(time.Hour)))
		}
		return out
	case PatternBurst:
		a := g.newActor()
		start := g.advance(time.Hour)
		out := make([]ingest.Record, 0, 6)
		for i := 0; i < 6; i++ {
			out = append(out, g.record(a, g.amount(50, 300), start.Add(time.Duration(i*20)*time.Second)))
		}
		g.advance(2 * time.Minute)
		return out
	case PatternMultiAccount:
		device := g.newActor().device
		out := make([]ingest.Record, 0, 3)
		for i := 0; i < 3; i++ {
			a := g.newActor()
			a.device = device
			out = append(out, g.record(a, g.amount(20, 400), g.advance(time.Hour)))
		}
		return out
	default:
		return []ingest.Record{g.Normal()}
	}
}

// Batch returns size records of background traffic with a planted pattern
// mixed in for roughly every fraudEvery background records. A zero
// fraudEvery disables planting. Planted records may push the batch slightly
// past size so a pattern is never cut in half.
func (g *Generator) Batch(size, fraudEvery int) ([]ingest.Record, []Pattern) {
	var (
		out     = make([]ingest.Record, 0, size)
		planted []Pattern
	)
	for len(out) < size {
		if fraudEvery > 0 && g.rnd.Intn(fraudEvery) == 0 {
			p := Patterns[g.rnd.Intn(len(Patterns))]
			out = append(out, g.Plant(p)...)
			planted = append(planted, p)
			continue
		}
		out = append(out, g.Normal())
	}
	return out, planted
}
