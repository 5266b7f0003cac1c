package server_test

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/ingestion"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/query"
	"PrivateMarkets/internal/server"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeCommands struct {
	got []ingestion.Command
	err error
}

func (f *fakeCommands) Execute(_ context.Context, cmd ingestion.Command) (ingestion.Result, error) {
	f.got = append(f.got, cmd)
	if f.err != nil {
		return ingestion.Result{}, f.err
	}
	h := uuid.New()
	return ingestion.Result{Op: cmd.Op, Handle: &h}, nil
}

type fakeCallbacks struct {
	got []compute.Callback
	err error
}

func (f *fakeCallbacks) DeliverCallback(_ context.Context, cb compute.Callback) error {
	f.got = append(f.got, cb)
	return f.err
}

type fakeReads struct {
	server.Reads
	markets map[uuid.UUID]*query.MarketResponse
}

func (f *fakeReads) GetMarket(_ context.Context, id uuid.UUID) (*query.MarketResponse, error) {
	m, ok := f.markets[id]
	if !ok {
		return nil, market.ErrMarketNotFound.With("market %s", id)
	}
	return m, nil
}

func (f *fakeReads) GetBalances(_ context.Context, owner string) (*query.BalanceResponse, error) {
	return &query.BalanceResponse{Owner: owner, Balances: []query.AssetBalance{{Asset: "collateral", Balance: 5}}}, nil
}

func newTestServer(t *testing.T, cmds *fakeCommands, cbs *fakeCallbacks, reads *fakeReads) http.Handler {
	t.Helper()
	s, err := server.NewHTTPServer(":0", server.HTTPDeps{
		Commands:  cmds,
		Callbacks: cbs,
		Reads:     reads,
		Auth:      server.NewAuthenticator("", ""),
		Operators: func(c string) bool { return c == "ops" },
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Test: HTTP commands
// ============================================================================

func TestHTTP_CommandUsesAuthenticatedCaller(t *testing.T) {
	cmds := &fakeCommands{}
	h := newTestServer(t, cmds, &fakeCallbacks{}, &fakeReads{})
	id := uuid.New()

	rec := do(t, h, "POST", "/v1/markets/"+id.String()+"/trades", "alice",
		`{"caller":"mallory","sealed":"AQID","max_price":700}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body)
	}
	if len(cmds.got) != 1 {
		t.Fatalf("commands: %d", len(cmds.got))
	}
	cmd := cmds.got[0]
	if cmd.Caller != "alice" || cmd.Op != ingestion.OpTrade || cmd.MarketID != id || cmd.MaxPrice != 700 {
		t.Errorf("command: %+v", cmd)
	}
	var res map[string]any
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res["handle"] == nil {
		t.Errorf("no handle in response: %s", rec.Body)
	}
}

func TestHTTP_CreateMarketReturnsCreated(t *testing.T) {
	cmds := &fakeCommands{}
	h := newTestServer(t, cmds, &fakeCallbacks{}, &fakeReads{})
	rec := do(t, h, "POST", "/v1/markets", "alice",
		`{"question":"Q?","end_time":1900000000,"fee_bps":30,"batch_interval":600,"resolver_quorum":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body)
	}
	if cmds.got[0].Params.Question != "Q?" {
		t.Errorf("params: %+v", cmds.got[0].Params)
	}
}

func TestHTTP_BatchClearApplyRoute(t *testing.T) {
	cmds := &fakeCommands{}
	h := newTestServer(t, cmds, &fakeCallbacks{}, &fakeReads{})
	body := fmt.Sprintf(`{"commitment":"%s","price":600,"demand_yes":10,"demand_no":4}`, strings.Repeat("11", 32))
	rec := do(t, h, "POST", "/v1/markets/"+uuid.NewString()+"/batch-clear/apply", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body)
	}
	if cmds.got[0].Op != ingestion.OpApplyBatchClear || cmds.got[0].Price != 600 || cmds.got[0].DemandYes != 10 {
		t.Errorf("command: %+v", cmds.got[0])
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{market.ErrZeroAmount.With("x"), http.StatusBadRequest},
		{market.ErrMarketEnded.With("x"), http.StatusConflict},
		{market.ErrOverflow.With("x"), http.StatusUnprocessableEntity},
		{market.ErrUnauthorized.With("x"), http.StatusForbidden},
		{market.ErrMarketNotFound.With("x"), http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		cmds := &fakeCommands{err: tc.err}
		h := newTestServer(t, cmds, &fakeCallbacks{}, &fakeReads{})
		rec := do(t, h, "POST", "/v1/markets/"+uuid.NewString()+"/deposits", "alice", `{"amount":1}`)
		if rec.Code != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, rec.Code, tc.want)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "db down") {
			t.Error("internal error leaked to client")
		}
	}
}

func TestHTTP_RequiresCaller(t *testing.T) {
	cmds := &fakeCommands{}
	h := newTestServer(t, cmds, &fakeCallbacks{}, &fakeReads{})
	rec := do(t, h, "POST", "/v1/markets/"+uuid.NewString()+"/mint", "", `{"amount":1}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rec.Code)
	}
	if len(cmds.got) != 0 {
		t.Error("command executed without caller")
	}
}

func TestHTTP_BalancesOwnerOrOperator(t *testing.T) {
	h := newTestServer(t, &fakeCommands{}, &fakeCallbacks{}, &fakeReads{})
	if rec := do(t, h, "GET", "/v1/accounts/bob/balances", "alice", ""); rec.Code != http.StatusForbidden {
		t.Errorf("other owner: got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/v1/accounts/bob/balances", "bob", ""); rec.Code != http.StatusOK {
		t.Errorf("self: got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/v1/accounts/bob/balances", "ops", ""); rec.Code != http.StatusOK {
		t.Errorf("operator: got %d", rec.Code)
	}
}

func TestHTTP_GetMarketNotFound(t *testing.T) {
	h := newTestServer(t, &fakeCommands{}, &fakeCallbacks{}, &fakeReads{markets: map[uuid.UUID]*query.MarketResponse{}})
	if rec := do(t, h, "GET", "/v1/markets/"+uuid.NewString(), "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/v1/markets/not-a-uuid", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d", rec.Code)
	}
}

func TestHTTP_CallbackDelivered(t *testing.T) {
	cbs := &fakeCallbacks{}
	h := newTestServer(t, &fakeCommands{}, cbs, &fakeReads{})
	handle := uuid.New()
	body := fmt.Sprintf(`{"handle":"%s","status":"success","payload":"0a0b"}`, handle)
	rec := do(t, h, "POST", "/v1/callbacks", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body)
	}
	if len(cbs.got) != 1 || cbs.got[0].Handle != handle || !bytes.Equal(cbs.got[0].Outcome.Payload, []byte{0x0a, 0x0b}) {
		t.Errorf("callback: %+v", cbs.got)
	}

	cbs.err = market.ErrHandleRetired.With("again")
	if rec := do(t, h, "POST", "/v1/callbacks", "", body); rec.Code != http.StatusConflict {
		t.Errorf("retired: got %d", rec.Code)
	}
}

// ============================================================================
// Test: JWT authentication
// ============================================================================

func TestAuthenticator_Bearer(t *testing.T) {
	a := server.NewAuthenticator("s3cret", "pm")
	token, err := a.Issue("alice", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	caller, err := a.Caller(req)
	if err != nil || caller != "alice" {
		t.Fatalf("caller: %q %v", caller, err)
	}

	// X-Caller is ignored once a secret is configured.
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Caller", "alice")
	if _, err := a.Caller(req); !errors.Is(err, server.ErrUnauthenticated) {
		t.Errorf("header fallback: got %v", err)
	}

	other := server.NewAuthenticator("different", "pm")
	forged, _ := other.Issue("alice", time.Minute)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	if _, err := a.Caller(req); !errors.Is(err, server.ErrUnauthenticated) {
		t.Errorf("forged: got %v", err)
	}

	expired, _ := a.Issue("alice", -time.Minute)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	if _, err := a.Caller(req); !errors.Is(err, server.ErrUnauthenticated) {
		t.Errorf("expired: got %v", err)
	}
}

func TestGRPCCode(t *testing.T) {
	if got := server.GRPCCode(market.ErrConcurrentModification.With("x")); got != codes.Aborted {
		t.Errorf("conflict: %s", got)
	}
	if got := server.GRPCCode(market.ErrInvalidCallbackSignature.With("x")); got != codes.PermissionDenied {
		t.Errorf("signature: %s", got)
	}
	if got := server.GRPCCode(fmt.Errorf("wrap: %w", market.ErrResolverNotFound)); got != codes.NotFound {
		t.Errorf("wrapped not found: %s", got)
	}
}

// ============================================================================
// Test: gRPC callback service
// ============================================================================

func TestGRPC_DeliverOverJSONCodec(t *testing.T) {
	cbs := &fakeCallbacks{}
	srv := server.NewGRPCServer("", cbs, nil, zerolog.Nop())
	lis := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	handle := uuid.New()
	resp, err := server.DeliverCallback(ctx, conn, &ingestion.CallbackJSON{Handle: handle.String(), Status: "failure", Reason: "abort"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !resp.Accepted || resp.Handle != handle.String() {
		t.Errorf("response: %+v", resp)
	}
	if len(cbs.got) != 1 || cbs.got[0].Outcome.Status != compute.StatusFailure {
		t.Errorf("delivered: %+v", cbs.got)
	}

	cbs.err = market.ErrUnknownHandle.With("nope")
	_, err = server.DeliverCallback(ctx, conn, &ingestion.CallbackJSON{Handle: uuid.NewString(), Status: "success", Payload: "00"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown handle: got %v", err)
	}

	_, err = server.DeliverCallback(ctx, conn, &ingestion.CallbackJSON{Handle: "junk", Status: "success"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad handle: got %v", err)
	}
}
