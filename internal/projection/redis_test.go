package projection_test

import (
	"context"
	"errors"
	"testing"

	"PerpClearing/internal/projection"
	"PerpClearing/internal/testutil"

	"github.com/google/uuid"
)

// ============================================================================
// Integration: Redis view store
// ============================================================================

func TestIntegration_RedisViewStore(t *testing.T) {
	rdb := testutil.SetupTestRedis(t)
	s := projection.NewRedisViewStore(rdb, "test:")
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, market); !errors.Is(err, projection.ErrNotFound) {
		t.Fatalf("missing market: got %v", err)
	}

	mv := projection.MarketView{ID: market, OracleFeedID: feed, MarkPrice: mustDecimal("1.25"), Sequence: 7}
	if err := s.PutMarket(ctx, mv); err != nil {
		t.Fatalf("put market: %v", err)
	}
	got, err := s.GetMarket(ctx, market)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if got.Sequence != 7 || !got.MarkPrice.Equal(mv.MarkPrice) {
		t.Errorf("market round trip: %+v", got)
	}

	owner := uuid.New()
	av := projection.AccountView{Owner: owner, Total: mustDecimal("100"), Free: mustDecimal("100")}
	if err := s.PutAccount(ctx, av); err != nil {
		t.Fatalf("put account: %v", err)
	}
	acct, err := s.GetAccount(ctx, owner)
	if err != nil || !acct.Total.Equal(av.Total) {
		t.Errorf("account round trip: %+v (%v)", acct, err)
	}

	for i := uint64(1); i <= 3; i++ {
		if err := s.AppendFunding(ctx, projection.FundingView{MarketID: market, Seq: i}); err != nil {
			t.Fatalf("append funding %d: %v", i, err)
		}
	}
	hist, err := s.ListFunding(ctx, market, 2)
	if err != nil {
		t.Fatalf("list funding: %v", err)
	}
	if len(hist) != 2 || hist[0].Seq != 3 || hist[1].Seq != 2 {
		t.Errorf("funding newest first: %+v", hist)
	}
}
