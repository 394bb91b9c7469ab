package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PerpClearing/internal/config"
	"PerpClearing/internal/engine"
	"PerpClearing/internal/instruction"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/server"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var owner = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")

// --- Test helpers ---

// syncEngine applies submissions inline instead of through Run.
type syncEngine struct{ e *engine.Engine }

func (s syncEngine) Submit(_ context.Context, in instruction.Instruction) (*engine.Output, error) {
	return s.e.Apply(in)
}

type blockedEngine struct{}

func (blockedEngine) Submit(ctx context.Context, _ instruction.Instruction) (*engine.Output, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	srv     *server.Server
	handler http.Handler
	views   *projection.MemoryViewStore
}

func newFixture(t *testing.T, sub server.Submitter) *fixture {
	t.Helper()
	if sub == nil {
		e, err := engine.New(engine.Options{Config: config.Default(), IdempotencyCapacity: 64})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		sub = syncEngine{e}
	}
	views := projection.NewMemoryViewStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	api := server.NewAPI(sub, views, metrics, zerolog.Nop())
	srv, err := server.New("127.0.0.1:0", "127.0.0.1:0", server.Deps{
		API:           api,
		HealthChecker: observability.NewHealthChecker(),
		Log:           zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h, err := srv.Handler(api)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &fixture{srv: srv, handler: h, views: views}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad json %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

const depositBody = `{"idempotency_key":"dep-1","timestamp":1700000000,"owner":"00000000-0000-0000-0000-00000000a11c","amount":"100"}`

// ============================================================================
// Test: Submission
// ============================================================================

func TestSubmit_AppliedThenDuplicate(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/v1/instructions/deposit", depositBody)
	if code != http.StatusOK || body["status"] != "applied" {
		t.Fatalf("deposit: %d %v", code, body)
	}
	env, _ := body["envelope"].(map[string]any)
	if env["sequence"] != float64(1) {
		t.Errorf("sequence: %v", env["sequence"])
	}

	code, body = f.do(t, http.MethodPost, "/v1/instructions/deposit", depositBody)
	if code != http.StatusOK || body["status"] != "duplicate" {
		t.Errorf("replayed deposit: %d %v", code, body)
	}
}

func TestSubmit_RejectionMapsToStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/instructions/deposit", depositBody)

	code, body := f.do(t, http.MethodPost, "/v1/instructions/withdraw",
		`{"idempotency_key":"wd-1","timestamp":1700000000,"owner":"00000000-0000-0000-0000-00000000a11c","amount":"500"}`)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d, want 422", code)
	}
	if body["error_code"] != "insufficient_collateral" || body["status"] != "rejected" {
		t.Errorf("body: %v", body)
	}
}

func TestSubmit_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	if code, body := f.do(t, http.MethodPost, "/v1/instructions/teleport", `{}`); code != http.StatusNotFound {
		t.Errorf("unknown kind: %d %v", code, body)
	}
	code, body := f.do(t, http.MethodPost, "/v1/instructions/deposit", `{"amount":"1"}`)
	if code != http.StatusBadRequest || body["error_code"] != "malformed" {
		t.Errorf("missing meta: %d %v", code, body)
	}
	code, body = f.do(t, http.MethodPost, "/v1/instructions/deposit",
		`{"idempotency_key":"d","timestamp":1,"owner":"00000000-0000-0000-0000-00000000a11c","amount":"0.0000001"}`)
	if code != http.StatusBadRequest {
		t.Errorf("too precise: %d %v", code, body)
	}
}

func TestSubmit_EngineUnavailable(t *testing.T) {
	f := newFixture(t, blockedEngine{})
	req := httptest.NewRequest(http.MethodPost, "/v1/instructions/deposit", strings.NewReader(depositBody))
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

// ============================================================================
// Test: Reads
// ============================================================================

func TestGetMarket(t *testing.T) {
	f := newFixture(t, nil)
	f.views.PutMarket(context.Background(), projection.MarketView{
		ID:        "SOL-PERP",
		MarkPrice: decimal.RequireFromString("101.5"),
		Sequence:  7,
	})

	code, body := f.do(t, http.MethodGet, "/v1/markets/SOL-PERP", "")
	if code != http.StatusOK || body["mark_price"] != "101.5" || body["sequence"] != float64(7) {
		t.Errorf("market: %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/markets/ETH-PERP", ""); code != http.StatusNotFound {
		t.Errorf("missing market: %d", code)
	}
}

func TestListFunding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		f.views.AppendFunding(ctx, projection.FundingView{MarketID: "SOL-PERP", Seq: seq})
	}

	code, body := f.do(t, http.MethodGet, "/v1/markets/SOL-PERP/funding?limit=2", "")
	if code != http.StatusOK {
		t.Fatalf("funding: %d %v", code, body)
	}
	records, _ := body["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("records: %v", records)
	}
	if first, _ := records[0].(map[string]any); first["seq"] != float64(3) {
		t.Errorf("newest first: %v", records[0])
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/markets/SOL-PERP/funding?limit=-1", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit: %d", code)
	}
}

func TestGetAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.views.PutAccount(context.Background(), projection.AccountView{Owner: owner, Total: decimal.NewFromInt(10)})

	code, body := f.do(t, http.MethodGet, "/v1/accounts/"+owner.String(), "")
	if code != http.StatusOK || body["total"] != "10" {
		t.Errorf("account: %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/accounts/not-a-uuid", ""); code != http.StatusBadRequest {
		t.Errorf("bad owner: %d", code)
	}
}

// ============================================================================
// Test: Health
// ============================================================================

func TestReadiness(t *testing.T) {
	f := newFixture(t, nil)
	if code, _ := f.do(t, http.MethodGet, "/readyz", ""); code != http.StatusServiceUnavailable {
		t.Errorf("before ready: %d", code)
	}
	f.srv.SetServing(true)
	if code, body := f.do(t, http.MethodGet, "/readyz", ""); code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("after ready: %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Errorf("liveness: %d", code)
	}
}
