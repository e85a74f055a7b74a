package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/state"
	"escrowd/storage"
)

type testEnv struct {
	server  *httptest.Server
	manager *state.Manager

	client     string
	contractor string
	arbitrator string
}

func fillAddress(b byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = b
	}
	return addr
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(state.NewEventLog(db))
	engine.SetNowFunc(func() int64 { return 1700000000 })

	client := fillAddress(0x01)
	account, err := manager.GetAccount(client[:])
	require.NoError(t, err)
	account.Balance = big.NewInt(1_000_000)
	require.NoError(t, manager.PutAccount(client[:], account))

	srv := NewServer(engine, state.NewEventLog(db), authToken, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
	ts := httptest.NewServer(srv.Handler("/metrics"))
	t.Cleanup(ts.Close)

	return &testEnv{
		server:     ts,
		manager:    manager,
		client:     crypto.EncodeAddress(client),
		contractor: crypto.EncodeAddress(fillAddress(0x02)),
		arbitrator: crypto.EncodeAddress(fillAddress(0x03)),
	}
}

func (env *testEnv) call(t *testing.T, token, method string, params interface{}) (*http.Response, RPCResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.server.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	return resp, rpcResp
}

func (env *testEnv) createEscrow(t *testing.T) escrowJSON {
	t.Helper()
	resp, rpcResp := env.call(t, "", "escrow_create", map[string]interface{}{
		"caller":       env.client,
		"contractor":   env.contractor,
		"arbitrator":   env.arbitrator,
		"descriptions": []string{"design", "build"},
		"amounts":      []string{"30", "70"},
		"funded":       "100",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	var esc escrowJSON
	raw, err := json.Marshal(rpcResp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &esc))
	return esc
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createEscrow(t)
	require.Equal(t, uint64(0), created.ID)
	require.Equal(t, "100", created.TotalAmount)
	require.Equal(t, "0", created.ReleasedAmount)
	require.Equal(t, "active", created.Status)
	require.Len(t, created.Milestones, 2)
	require.Equal(t, "pending", created.Milestones[0].Status)

	resp, rpcResp := env.call(t, "", "escrow_get", map[string]interface{}{"id": created.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	var fetched escrowJSON
	raw, err := json.Marshal(rpcResp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &fetched))
	require.Equal(t, created, fetched)
}

func TestMilestoneLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createEscrow(t)

	resp, rpcResp := env.call(t, "", "escrow_submitMilestone", map[string]interface{}{
		"id": created.ID, "caller": env.contractor, "index": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	resp, rpcResp = env.call(t, "", "escrow_approveMilestone", map[string]interface{}{
		"id": created.ID, "caller": env.client, "index": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	_, rpcResp = env.call(t, "", "escrow_getMilestone", map[string]interface{}{
		"id": created.ID, "index": 0,
	})
	require.Nil(t, rpcResp.Error)
	var ms milestoneJSON
	raw, err := json.Marshal(rpcResp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ms))
	require.Equal(t, "approved", ms.Status)
	require.True(t, ms.ClientApproved)
}

func TestDisputeAndResolveOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createEscrow(t)

	_, rpcResp := env.call(t, "", "escrow_submitMilestone", map[string]interface{}{
		"id": created.ID, "caller": env.contractor, "index": 0,
	})
	require.Nil(t, rpcResp.Error)

	_, rpcResp = env.call(t, "", "escrow_raiseDispute", map[string]interface{}{
		"id": created.ID, "caller": env.client, "index": 0,
	})
	require.Nil(t, rpcResp.Error)

	// Only the arbitrator can resolve.
	resp, rpcResp := env.call(t, "", "escrow_resolveDispute", map[string]interface{}{
		"id": created.ID, "caller": env.client, "index": 0, "approve": true,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, rpcResp.Error)
	require.Equal(t, codeEscrowForbidden, rpcResp.Error.Code)

	_, rpcResp = env.call(t, "", "escrow_resolveDispute", map[string]interface{}{
		"id": created.ID, "caller": env.arbitrator, "index": 0, "approve": true,
	})
	require.Nil(t, rpcResp.Error)

	_, rpcResp = env.call(t, "", "escrow_get", map[string]interface{}{"id": created.ID})
	require.Nil(t, rpcResp.Error)
	var esc escrowJSON
	raw, err := json.Marshal(rpcResp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &esc))
	require.Equal(t, "active", esc.Status)
	require.Equal(t, "30", esc.ReleasedAmount)
}

func TestErrorCodeMapping(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createEscrow(t)

	cases := []struct {
		name       string
		method     string
		params     interface{}
		httpStatus int
		rpcCode    int
	}{
		{
			name:   "unknown escrow",
			method: "escrow_get",
			params:     map[string]interface{}{"id": 999},
			httpStatus: http.StatusNotFound,
			rpcCode:    codeEscrowNotFound,
		},
		{
			name:       "milestone index out of range",
			method:     "escrow_submitMilestone",
			params:     map[string]interface{}{"id": created.ID, "caller": env.contractor, "index": 5},
			httpStatus: http.StatusNotFound,
			rpcCode:    codeEscrowNotFound,
		},
		{
			name:       "stranger cannot submit",
			method:     "escrow_submitMilestone",
			params:     map[string]interface{}{"id": created.ID, "caller": env.arbitrator, "index": 0},
			httpStatus: http.StatusForbidden,
			rpcCode:    codeEscrowForbidden,
		},
		{
			name:       "approve before submission",
			method:     "escrow_approveMilestone",
			params:     map[string]interface{}{"id": created.ID, "caller": env.client, "index": 0},
			httpStatus: http.StatusConflict,
			rpcCode:    codeEscrowConflict,
		},
		{
			name:       "malformed address",
			method:     "escrow_submitMilestone",
			params:     map[string]interface{}{"id": created.ID, "caller": "not-an-address", "index": 0},
			httpStatus: http.StatusBadRequest,
			rpcCode:    codeEscrowInvalidParams,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, rpcResp := env.call(t, "", tc.method, tc.params)
			require.Equal(t, tc.httpStatus, resp.StatusCode)
			require.NotNil(t, rpcResp.Error)
			require.Equal(t, tc.rpcCode, rpcResp.Error.Code)
		})
	}
}

func TestCreateAmountMismatch(t *testing.T) {
	env := newTestEnv(t, "")
	resp, rpcResp := env.call(t, "", "escrow_create", map[string]interface{}{
		"caller":       env.client,
		"contractor":   env.contractor,
		"arbitrator":   env.arbitrator,
		"descriptions": []string{"design"},
		"amounts":      []string{"30"},
		"funded":       "29",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, rpcResp.Error)
	require.Equal(t, codeEscrowInvalidParams, rpcResp.Error.Code)
	require.Equal(t, "amount_mismatch", rpcResp.Error.Message)
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	// Mutations without a token are rejected before touching the engine.
	resp, rpcResp := env.call(t, "", "escrow_create", map[string]interface{}{
		"caller":       env.client,
		"contractor":   env.contractor,
		"arbitrator":   env.arbitrator,
		"descriptions": []string{"design"},
		"amounts":      []string{"30"},
		"funded":       "30",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, rpcResp.Error)
	require.Equal(t, codeUnauthorized, rpcResp.Error.Code)

	resp, rpcResp = env.call(t, "wrong", "escrow_nextId", nil)
	// Queries stay open; only mutations demand the token.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	resp, rpcResp = env.call(t, "sekrit", "escrow_create", map[string]interface{}{
		"caller":       env.client,
		"contractor":   env.contractor,
		"arbitrator":   env.arbitrator,
		"descriptions": []string{"design"},
		"amounts":      []string{"30"},
		"funded":       "30",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)
}

func TestListEventsOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createEscrow(t)
	_, rpcResp := env.call(t, "", "escrow_submitMilestone", map[string]interface{}{
		"id": created.ID, "caller": env.contractor, "index": 0,
	})
	require.Nil(t, rpcResp.Error)

	_, rpcResp = env.call(t, "", "escrow_listEvents", map[string]interface{}{"limit": 10})
	require.Nil(t, rpcResp.Error)
	var entries []state.StoredEvent
	raw, err := json.Marshal(rpcResp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	// Newest first.
	require.Equal(t, escrow.EventTypeMilestoneSubmitted, entries[0].Type)
	require.Equal(t, escrow.EventTypeEscrowCreated, entries[1].Type)
	require.Equal(t, fmt.Sprintf("%d", created.ID), entries[1].Attributes["escrowId"])
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := env.server.Client().Get(env.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = env.server.Client().Post(env.server.URL, "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	require.Equal(t, codeParseError, rpcResp.Error.Code)

	_, rpc := env.call(t, "", "escrow_unknownMethod", nil)
	require.NotNil(t, rpc.Error)
	require.Equal(t, codeMethodNotFound, rpc.Error.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := env.server.Client().Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
