package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/executor"
	"PerpClearing/internal/instruction"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/projection"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes        = 1 << 20
	defaultFundingLimit = 100
	maxFundingLimit     = 1000
)

// Submitter hands an instruction to the running engine. *engine.Engine
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, in instruction.Instruction) (*engine.Output, error)
}

// API serves the HTTP/JSON surface. Writes go through the engine; reads
// are answered from the projected views and never touch engine state.
type API struct {
	engine  Submitter
	views   projection.ViewStore
	metrics *observability.Metrics
	log     zerolog.Logger
	timeout time.Duration
}

func NewAPI(eng Submitter, views projection.ViewStore, metrics *observability.Metrics, log zerolog.Logger) *API {
	return &API{engine: eng, views: views, metrics: metrics, log: log, timeout: 5 * time.Second}
}

// SubmitResponse is the body of POST /v1/instructions/{kind}.
type SubmitResponse struct {
	Status    string                `json:"status"`
	Envelope  *instruction.Envelope `json:"envelope,omitempty"`
	Fill      *executor.Fill        `json:"fill,omitempty"`
	ErrorCode string                `json:"error_code,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
}

// Register adds the API routes to mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/instructions/{kind}", a.submit},
		{http.MethodGet, "/v1/markets/{market}", a.getMarket},
		{http.MethodGet, "/v1/markets/{market}/funding", a.listFunding},
		{http.MethodGet, "/v1/accounts/{owner}", a.getAccount},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.pattern, r.h)); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if a.metrics != nil {
			a.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			a.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kind, err := instruction.ParseKind(params["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind", err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "malformed", err)
		return
	}
	in, err := instruction.Decode(kind, body)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	out, err := a.engine.Submit(ctx, in)
	switch {
	case out == nil && err == nil:
		writeJSON(w, http.StatusOK, SubmitResponse{Status: "duplicate"})
	case out == nil:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err)
			return
		}
		status, code := statusFor(err)
		writeError(w, status, code, err)
	case err != nil:
		status, code := statusFor(err)
		writeJSON(w, status, SubmitResponse{
			Status:    out.Envelope.Status.String(),
			Envelope:  out.Envelope,
			ErrorCode: code,
			Error:     err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, SubmitResponse{
			Status:   out.Envelope.Status.String(),
			Envelope: out.Envelope,
			Fill:     out.Fill,
		})
	}
}

func (a *API) getMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	v, err := a.views.GetMarket(r.Context(), params["market"])
	if err != nil {
		a.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) listFunding(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit := defaultFundingLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "malformed", errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxFundingLimit)
	}
	records, err := a.views.ListFunding(r.Context(), params["market"], limit)
	if err != nil {
		a.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": params["market"], "records": records})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed", err)
		return
	}
	v, err := a.views.GetAccount(r.Context(), owner)
	if err != nil {
		a.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) readError(w http.ResponseWriter, err error) {
	if errors.Is(err, projection.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	a.log.Error().Err(err).Msg("view read failed")
	writeError(w, http.StatusInternalServerError, errs.Code(err), err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{ErrorCode: code, Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
