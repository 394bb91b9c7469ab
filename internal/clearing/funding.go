package clearing

import (
	"fmt"

	"PerpClearing/internal/errs"

	"github.com/google/uuid"
)

// SettleFunding advances a market's cumulative funding index by one
// period. Positions pick up the change lazily on their next settlement.
func (ch *ClearingHouse) SettleFunding(marketID string, now int64) (*Delta, error) {
	t := ch.begin(now)
	m, err := t.market(marketID)
	if err != nil {
		return nil, err
	}
	price, err := ch.prices.GetPrice(m.OracleFeedID)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %v", errs.ErrInvalidOracleData, m.OracleFeedID, err)
	}
	next, rec, err := ch.funding.Update(m.ID, m.AMM, m.Funding, price, now)
	if err != nil {
		return nil, err
	}
	m.Funding = next
	t.records = append(t.records, rec)

	d, err := t.commit(OpSettleFunding, marketID, uuid.Nil)
	if err != nil {
		return nil, err
	}
	d.FundingRecord = &rec
	return d, nil
}

// SettleAccountFunding applies accrued funding to every open position of
// an account. Settling twice without an index change pays nothing.
func (ch *ClearingHouse) SettleAccountFunding(owner uuid.UUID, now int64) (*Delta, error) {
	t := ch.begin(now)
	if _, err := t.account(owner); err != nil {
		return nil, err
	}
	if err := t.settleAccount(owner); err != nil {
		return nil, err
	}
	return t.commit(OpSettleAccountFunding, "", owner)
}
