package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-cluster-node/counter"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/ruteri/tee-cluster-node/kms"
	"github.com/ruteri/tee-cluster-node/ledger"
	"github.com/ruteri/tee-cluster-node/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticLeader struct {
	state interfaces.LeaderState
}

func (s *staticLeader) GetLeaderState() interfaces.LeaderState {
	return s.state
}

type testEnv struct {
	server *Server
	ledger *ledger.MockGateway
	leader *staticLeader
	kms    *kms.SimpleKMS
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	// Create logger with no output for tests
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	simpleKMS, err := kms.NewSimpleKMS(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	enclave, err := simpleKMS.Enclave([]byte{0xAA, 0xBB, 0xCC, 0xDD}, "node-a", "counter")
	require.NoError(t, err)
	gen, err := proof.NewGenerator(context.Background(), enclave, nil, nil, logger)
	require.NoError(t, err)

	self := interfaces.Address{0x01}
	leaderSrc := &staticLeader{}
	gw := new(ledger.MockGateway)

	handler := NewHandler(HandlerConfig{
		InstanceID: "node-a",
		Wallet:     WalletInfo{Type: "simulator", Address: self, KeyPath: "instance/node-a", Purpose: "ethereum"},
		Anchor:     simpleKMS.TrustAnchor(),
		Leader:     leaderSrc,
		Counter:    counter.NewService(leaderSrc, self),
		Ledger:     gw,
		Proofs:     gen,
		Log:        logger,
	})

	srv, err := New(&HTTPServerConfig{Log: logger, GracefulShutdownDuration: time.Second}, handler)
	require.NoError(t, err)

	return &testEnv{server: srv, ledger: gw, leader: leaderSrc, kms: simpleKMS}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	e.server.getRouter().ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp.StatusCode, decoded
}

func TestHandleIncrement_LeaderGate(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodPost, "/increment", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["error"], "Only leader")

	env.leader.state = interfaces.LeaderState{IsLocalLeader: true, CurrentLeaderAddress: interfaces.Address{0x01}}

	status, body = env.do(t, http.MethodPost, "/increment", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1.0, body["new_value"])
	assert.Equal(t, 1.0, body["operation_id"])

	status, body = env.do(t, http.MethodGet, "/counter", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["value"])
	assert.Equal(t, "node-a", body["instance_id"])
	assert.Equal(t, true, body["is_leader"])

	status, body = env.do(t, http.MethodGet, "/log", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["total_operations"])
	ops := body["operations"].([]any)
	require.Len(t, ops, 1)
	assert.Equal(t, "increment", ops[0].(map[string]any)["operation"])
}

func TestHandleStatus(t *testing.T) {
	env := setupTestServer(t)
	leaderAddr := interfaces.Address{0x02}
	env.leader.state = interfaces.LeaderState{CurrentLeaderAddress: leaderAddr}

	env.ledger.On("TotalActiveNodes", mock.Anything).Return(uint64(3), nil)
	env.ledger.On("RequiredVotes", mock.Anything).Return(uint64(2), nil)
	env.ledger.On("CurrentLeader", mock.Anything).Return(leaderAddr, nil)

	status, body := env.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3.0, body["total_active_nodes"])
	assert.Equal(t, 2.0, body["required_votes"])
	assert.Equal(t, leaderAddr.String(), body["current_leader"])
	assert.Equal(t, interfaces.Address{0x01}.String(), body["wallet_address"])
	assert.Equal(t, false, body["is_leader"])
	assert.Nil(t, body["last_leader_heartbeat"])
}

func TestHandleStatus_LedgerFailure(t *testing.T) {
	env := setupTestServer(t)
	heartbeat := time.Unix(1700000000, 0).UTC()
	env.leader.state = interfaces.LeaderState{IsLocalLeader: true, CurrentLeaderAddress: interfaces.Address{0x01}, LastHeartbeatTime: heartbeat}

	callErr := &ledger.CallError{Op: "totalActiveNodes", Kind: ledger.ErrTimeout, Err: context.DeadlineExceeded}
	env.ledger.On("TotalActiveNodes", mock.Anything).Return(uint64(0), callErr)

	status, body := env.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body["error"], "timed out")

	state := body["leader_state"].(map[string]any)
	assert.Equal(t, true, state["is_leader"])
	assert.Equal(t, heartbeat.Format(time.RFC3339), state["last_leader_heartbeat"])
}

func TestHandleMembers(t *testing.T) {
	env := setupTestServer(t)
	env.ledger.On("GetActiveInstances", mock.Anything).Return([][32]byte{{0xab}, {0xcd}}, nil).Once()

	status, body := env.do(t, http.MethodGet, "/members", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2.0, body["total_active"])
	ids := body["active_instances"].([]any)
	assert.Equal(t, "ab00000000000000000000000000000000000000000000000000000000000000", ids[0])

	env.ledger.On("GetActiveInstances", mock.Anything).Return([][32]byte(nil), errors.New("rpc down")).Once()
	status, body = env.do(t, http.MethodGet, "/members", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "rpc down", body["error"])
}

func TestHandleHealthAndLeader(t *testing.T) {
	env := setupTestServer(t)
	env.leader.state = interfaces.LeaderState{CurrentLeaderAddress: interfaces.Address{0x02}}

	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "node-a", body["instance_id"])

	status, body = env.do(t, http.MethodGet, "/leader", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, interfaces.Address{0x02}.String(), body["current_leader"])
	assert.Equal(t, false, body["is_leader"])

	status, body = env.do(t, http.MethodGet, "/wallet-info", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "instance/node-a", body["key_path"])
	assert.Equal(t, "ethereum", body["key_purpose"])
}

func TestHandleProofAndVerify(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodGet, "/proof", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	encoded, err := json.Marshal(body["proof"])
	require.NoError(t, err)

	var p interfaces.IdentityProof
	require.NoError(t, json.Unmarshal(encoded, &p))
	assert.True(t, proof.IsValid(&p, env.kms.TrustAnchor()))

	status, body = env.do(t, http.MethodPost, "/verify", encoded)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, env.kms.RootAddress().String(), body["kms_signer"])

	p.Purpose = "other"
	tampered, err := json.Marshal(&p)
	require.NoError(t, err)
	status, body = env.do(t, http.MethodPost, "/verify", tampered)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["error"])

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	env.server.getRouter().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDrainUndrain(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	_, body = env.do(t, http.MethodGet, "/drain", nil)
	assert.Equal(t, "draining", body["status"])

	status, _ = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	_, body = env.do(t, http.MethodGet, "/drain", nil)
	assert.Equal(t, "already draining", body["status"])

	_, body = env.do(t, http.MethodGet, "/undrain", nil)
	assert.Equal(t, "ready", body["status"])

	status, body = env.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alive", body["status"])
}
