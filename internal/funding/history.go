package funding

import (
	"fmt"
	"sort"
)

// History is the append-only record of settled funding periods.
// Readers always receive copies.
type History struct {
	byMarket map[string][]Record
}

func NewHistory() *History {
	return &History{byMarket: make(map[string][]Record)}
}

// Append adds rec after checking that it extends the market's sequence
// and does not overlap the previous period.
func (h *History) Append(rec Record) error {
	if err := h.Check(rec); err != nil {
		return err
	}
	h.byMarket[rec.MarketID] = append(h.byMarket[rec.MarketID], rec)
	return nil
}

// Check reports whether Append would accept rec.
func (h *History) Check(rec Record) error {
	recs := h.byMarket[rec.MarketID]
	want := uint64(len(recs)) + 1
	if len(recs) > 0 {
		want = recs[len(recs)-1].Seq + 1
	}
	if rec.Seq != want {
		return fmt.Errorf("funding history %s: seq %d, expected %d", rec.MarketID, rec.Seq, want)
	}
	if rec.PeriodEnd < rec.PeriodStart {
		return fmt.Errorf("funding history %s: period end %d before start %d", rec.MarketID, rec.PeriodEnd, rec.PeriodStart)
	}
	if len(recs) > 0 && rec.PeriodStart < recs[len(recs)-1].PeriodEnd {
		return fmt.Errorf("funding history %s: period %d overlaps previous end %d",
			rec.MarketID, rec.PeriodStart, recs[len(recs)-1].PeriodEnd)
	}
	return nil
}

func (h *History) Records(marketID string) []Record {
	recs := h.byMarket[marketID]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

func (h *History) Last(marketID string) (Record, bool) {
	recs := h.byMarket[marketID]
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[len(recs)-1], true
}

// Since returns records whose period ended after ts.
func (h *History) Since(marketID string, ts int64) []Record {
	recs := h.byMarket[marketID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].PeriodEnd > ts })
	out := make([]Record, len(recs)-i)
	copy(out, recs[i:])
	return out
}

// All returns every record ordered by market then sequence.
func (h *History) All() []Record {
	markets := make([]string, 0, len(h.byMarket))
	for id := range h.byMarket {
		markets = append(markets, id)
	}
	sort.Strings(markets)

	var out []Record
	for _, id := range markets {
		out = append(out, h.byMarket[id]...)
	}
	return out
}
