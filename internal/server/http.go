package server

import (
	"PrivateMarkets/internal/ingestion"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"PrivateMarkets/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Reads is the read side served over HTTP. *query.QueryService satisfies it.
type Reads interface {
	GetMarket(ctx context.Context, id uuid.UUID) (*query.MarketResponse, error)
	ListMarkets(ctx context.Context, state string, limit int) ([]*query.MarketResponse, error)
	MarketEvents(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]query.EventResponse, error)
	GetBalances(ctx context.Context, owner string) (*query.BalanceResponse, error)
	Record(ctx context.Context, id uuid.UUID) ([]byte, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Rebuilder rebuilds the projection tables. *projection.Worker satisfies it.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// HTTPDeps holds everything the HTTP API needs. Hub, Rebuilder, Health
// and Metrics may be nil.
type HTTPDeps struct {
	Commands  ingestion.CommandExecutor
	Callbacks ingestion.CallbackDeliverer
	Reads     Reads
	Auth      *Authenticator
	Operators func(caller string) bool
	Hub       *Hub
	Rebuilder Rebuilder
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// HTTPServer serves the JSON API, the event stream and health probes.
type HTTPServer struct {
	addr    string
	deps    HTTPDeps
	handler http.Handler
	server  *http.Server
	logger  zerolog.Logger
}

type route struct {
	method, pattern string
	handler         runtime.HandlerFunc
}

func NewHTTPServer(addr string, deps HTTPDeps) (*HTTPServer, error) {
	if deps.Operators == nil {
		deps.Operators = func(string) bool { return false }
	}
	s := &HTTPServer{
		addr:   addr,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "http").Logger(),
	}

	mux := runtime.NewServeMux()
	routes := []route{
		{"POST", "/v1/markets", s.command(ingestion.OpCreateMarket)},
		{"GET", "/v1/markets", s.listMarkets},
		{"GET", "/v1/markets/{id}", s.getMarket},
		{"GET", "/v1/markets/{id}/record", s.getRecord},
		{"GET", "/v1/markets/{id}/events", s.marketEvents},
		{"POST", "/v1/markets/{id}/deposits", s.command(ingestion.OpDeposit)},
		{"POST", "/v1/markets/{id}/mint", s.command(ingestion.OpMint)},
		{"POST", "/v1/markets/{id}/trades", s.command(ingestion.OpTrade)},
		{"POST", "/v1/markets/{id}/cfmm", s.command(ingestion.OpUpdateCfmm)},
		{"POST", "/v1/markets/{id}/batch-orders", s.command(ingestion.OpBatchOrder)},
		{"POST", "/v1/markets/{id}/batch-clear", s.command(ingestion.OpBatchClear)},
		{"POST", "/v1/markets/{id}/batch-clear/apply", s.command(ingestion.OpApplyBatchClear)},
		{"POST", "/v1/markets/{id}/resolvers", s.command(ingestion.OpStake)},
		{"POST", "/v1/markets/{id}/attestations", s.command(ingestion.OpAttest)},
		{"POST", "/v1/markets/{id}/resolution/retry", s.command(ingestion.OpRetryResolution)},
		{"POST", "/v1/markets/{id}/resolve", s.command(ingestion.OpResolve)},
		{"POST", "/v1/markets/{id}/redemptions", s.command(ingestion.OpRedeem)},
		{"POST", "/v1/accounts/{owner}/fund", s.command(ingestion.OpFund)},
		{"GET", "/v1/accounts/{owner}/balances", s.balances},
		{"POST", "/v1/callbacks", s.callback},
		{"GET", "/v1/admin/integrity", s.integrity},
		{"POST", "/v1/admin/projections/rebuild", s.rebuild},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrument(rt.method+" "+rt.pattern, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.Hub != nil {
		httpMux.HandleFunc("/v1/stream", deps.Hub.HandleWS)
	}
	httpMux.Handle("/", mux)
	s.handler = httpMux
	return s, nil
}

// Handler exposes the routing tree, mostly for tests.
func (s *HTTPServer) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// StartMetrics serves /metrics on its own listener (blocking).
func StartMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *HTTPServer) command(op ingestion.Op) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		caller, err := s.deps.Auth.Caller(r)
		if err != nil {
			s.fail(w, err)
			return
		}

		var id uuid.UUID
		if raw, ok := params["id"]; ok {
			if id, err = parseID(raw); err != nil {
				s.fail(w, err)
				return
			}
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.fail(w, market.ErrInvalidPayload.With("read body: %v", err))
			return
		}

		cmd, err := ingestion.ParseCommand(op, body, id)
		if err != nil {
			s.fail(w, err)
			return
		}
		// Identity always comes from authentication, never the body.
		cmd.Caller = caller
		if owner, ok := params["owner"]; ok {
			cmd.Owner = owner
		}

		res, err := s.deps.Commands.Execute(r.Context(), cmd)
		if err != nil {
			s.fail(w, err)
			return
		}
		code := http.StatusOK
		if op == ingestion.OpCreateMarket {
			code = http.StatusCreated
		}
		writeJSON(w, code, res)
	}
}

func (s *HTTPServer) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.deps.Reads.ListMarkets(r.Context(), r.URL.Query().Get("state"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

func (s *HTTPServer) getMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseID(params["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	m, err := s.deps.Reads.GetMarket(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// getRecord serves the raw fixed-layout record.
func (s *HTTPServer) getRecord(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseID(params["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	rec, err := s.deps.Reads.Record(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(rec)))
	w.WriteHeader(http.StatusOK)
	w.Write(rec)
}

func (s *HTTPServer) marketEvents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseID(params["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	after := int64(-1)
	if v := r.URL.Query().Get("after"); v != "" {
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.fail(w, market.ErrInvalidPayload.With("after: %v", err))
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.deps.Reads.MarketEvents(r.Context(), id, after, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, err := s.deps.Auth.Caller(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	owner := params["owner"]
	if owner != caller && !s.deps.Operators(caller) {
		s.fail(w, market.ErrUnauthorized.With("balances of %q", owner))
		return
	}
	b, err := s.deps.Reads.GetBalances(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// callback accepts a cluster callback. The callback signature is its
// authentication, so no caller identity is required.
func (s *HTTPServer) callback(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body ingestion.CallbackJSON
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.fail(w, market.ErrInvalidPayload.With("parse callback: %v", err))
		return
	}
	cb, err := body.Callback()
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Callbacks.DeliverCallback(r.Context(), cb); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "handle": cb.Handle})
}

func (s *HTTPServer) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if !s.requireOperator(w, r) {
		return
	}
	report, err := s.deps.Reads.VerifyIntegrity(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) rebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if !s.requireOperator(w, r) {
		return
	}
	if s.deps.Rebuilder == nil {
		s.fail(w, market.ErrInvalidState.With("projection rebuild is not available"))
		return
	}
	if err := s.deps.Rebuilder.Rebuild(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt": true})
}

func (s *HTTPServer) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	caller, err := s.deps.Auth.Caller(r)
	if err != nil {
		s.fail(w, err)
		return false
	}
	if !s.deps.Operators(caller) {
		s.fail(w, market.ErrUnauthorized.With("%q is not an operator", caller))
		return false
	}
	return true
}

// --- helpers ---

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, market.ErrInvalidPayload.With("market id %q: %v", raw, err)
	}
	return id, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		s.deps.Metrics.Request(name, strconv.Itoa(rec.code), started)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	if code := writeError(w, err); code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
}
