package clearing

import (
	"fmt"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// Repeg moves the market's peg toward the oracle price within the window
// and budget limits and charges the cost to the fee pool.
func (ch *ClearingHouse) Repeg(marketID string, now int64) (*Delta, error) {
	t := ch.begin(now)
	m, err := t.market(marketID)
	if err != nil {
		return nil, err
	}
	price, err := ch.cfg.Oracle.ValidPrice(ch.prices, m.OracleFeedID, now)
	if err != nil {
		return nil, fmt.Errorf("repeg %s: %w", marketID, err)
	}

	res, err := ch.cfg.Repeg.Repeg(&m.AMM, &m.PegWindow, m.NetBaseAssetAmount, price.Price, m.FeePool, now)
	if err != nil {
		return nil, err
	}
	if m.FeePool, err = fpmath.Sub(m.FeePool, res.Cost); err != nil {
		return nil, err
	}
	t.journal.RepegCost(m.ID, res.Cost)

	d, err := t.commit(OpRepeg, marketID, uuid.Nil)
	if err != nil {
		return nil, err
	}
	d.Repeg = &res
	return d, nil
}
