package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/tee-cluster-node/counter"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/ruteri/tee-cluster-node/proof"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// LeaderStateSource is implemented by leader.Monitor.
type LeaderStateSource interface {
	GetLeaderState() interfaces.LeaderState
}

// ProofSource is implemented by proof.Generator.
type ProofSource interface {
	GenerateProof(ctx context.Context, keyPath string, purpose string) (*interfaces.IdentityProof, error)
}

// WalletInfo describes the instance account and how its key is derived.
type WalletInfo struct {
	Type     string             `json:"type"`
	Address  interfaces.Address `json:"address"`
	KeyPath  string             `json:"key_path"`
	Purpose  string             `json:"key_purpose"`
	Endpoint string             `json:"endpoint,omitempty"`
}

// HandlerConfig bundles the node components the API exposes.
type HandlerConfig struct {
	InstanceID string
	Wallet     WalletInfo
	Anchor     interfaces.TrustAnchor

	Leader  LeaderStateSource
	Counter *counter.Service
	Ledger  interfaces.LedgerReader
	Proofs  ProofSource
	Log     *slog.Logger
}

// Handler serves the counter, cluster and identity endpoints.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
	now func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		cfg: cfg,
		log: cfg.Log,
		now: time.Now,
	}
}

type leaderStateResponse struct {
	CurrentLeader interfaces.Address `json:"current_leader"`
	IsLeader      bool               `json:"is_leader"`
	LastHeartbeat *time.Time         `json:"last_leader_heartbeat"`
}

func newLeaderStateResponse(s interfaces.LeaderState) leaderStateResponse {
	resp := leaderStateResponse{
		CurrentLeader: s.CurrentLeaderAddress,
		IsLeader:      s.IsLocalLeader,
	}
	if !s.LastHeartbeatTime.IsZero() {
		hb := s.LastHeartbeatTime
		resp.LastHeartbeat = &hb
	}
	return resp
}

type errorResponse struct {
	Error       string               `json:"error"`
	LeaderState *leaderStateResponse `json:"leader_state,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleCounter returns the counter value.
func (h *Handler) HandleCounter(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"value":       h.cfg.Counter.Value(),
		"instance_id": h.cfg.InstanceID,
		"is_leader":   h.cfg.Leader.GetLeaderState().IsLocalLeader,
	})
}

// HandleIncrement increments the counter. Only the leader may do so.
func (h *Handler) HandleIncrement(w http.ResponseWriter, r *http.Request) {
	op, err := h.cfg.Counter.Increment(h.now())
	if errors.Is(err, counter.ErrNotLeader) {
		h.writeJSON(w, http.StatusForbidden, errorResponse{Error: "Only leader can increment counter"})
		return
	} else if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	h.log.Info("Counter incremented", "value", op.NewValue)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"new_value":    op.NewValue,
		"operation_id": op.ID,
	})
}

// HandleLog returns the operation log.
func (h *Handler) HandleLog(w http.ResponseWriter, r *http.Request) {
	ops := h.cfg.Counter.Log()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"operations":       ops,
		"total_operations": len(ops),
	})
}

// HandleStatus combines the local leader state with ledger totals.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	state := newLeaderStateResponse(h.cfg.Leader.GetLeaderState())

	status, err := h.ledgerStatus(r.Context())
	if err != nil {
		h.log.Warn("Failed to query ledger for status", "err", err)
		h.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), LeaderState: &state})
		return
	}

	status["instance_id"] = h.cfg.InstanceID
	status["wallet_address"] = h.cfg.Wallet.Address
	status["is_leader"] = state.IsLeader
	status["counter_value"] = h.cfg.Counter.Value()
	status["last_leader_heartbeat"] = state.LastHeartbeat
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) ledgerStatus(ctx context.Context) (map[string]any, error) {
	total, err := h.cfg.Ledger.TotalActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	required, err := h.cfg.Ledger.RequiredVotes(ctx)
	if err != nil {
		return nil, err
	}
	leader, err := h.cfg.Ledger.CurrentLeader(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_active_nodes": total,
		"required_votes":     required,
		"current_leader":     leader,
	}, nil
}

// HandleMembers lists the active instances recorded by the ledger.
func (h *Handler) HandleMembers(w http.ResponseWriter, r *http.Request) {
	instances, err := h.cfg.Ledger.GetActiveInstances(r.Context())
	if err != nil {
		h.log.Warn("Failed to query active instances", "err", err)
		h.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	ids := make([]string, 0, len(instances))
	for _, id := range instances {
		ids = append(ids, hex.EncodeToString(id[:]))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"active_instances": ids,
		"total_active":     len(ids),
	})
}

// HandleLeader returns the last published leader state.
func (h *Handler) HandleLeader(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, newLeaderStateResponse(h.cfg.Leader.GetLeaderState()))
}

// HandleHealth answers leader probes from followers.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := newLeaderStateResponse(h.cfg.Leader.GetLeaderState())
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":                "healthy",
		"instance_id":           h.cfg.InstanceID,
		"timestamp":             h.now().Unix(),
		"is_leader":             state.IsLeader,
		"last_leader_heartbeat": state.LastHeartbeat,
	})
}

// HandleWalletInfo returns the instance account details.
func (h *Handler) HandleWalletInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Wallet)
}

// HandleProof generates an identity proof for the instance key and checks it
// against the configured trust anchor.
func (h *Handler) HandleProof(w http.ResponseWriter, r *http.Request) {
	p, err := h.cfg.Proofs.GenerateProof(r.Context(), h.cfg.Wallet.KeyPath, h.cfg.Wallet.Purpose)
	if err != nil {
		h.log.Error("Failed to generate identity proof", "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, proof.ErrKeyServiceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	resp := map[string]any{
		"proof":       p,
		"instance_id": h.cfg.InstanceID,
		"valid":       true,
	}
	if err := proof.Verify(p, h.cfg.Anchor); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleVerify verifies a posted identity proof against the trust anchor.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var p interfaces.IdentityProof
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, fmt.Sprintf("Invalid proof: %v", err), http.StatusBadRequest)
		return
	}

	resp := map[string]any{"valid": true}
	if err := proof.Verify(&p, h.cfg.Anchor); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	if chain, err := proof.Recover(&p); err == nil {
		resp["kms_signer"] = chain.KMSSigner
		resp["app_address"] = chain.AppAddress
	}
	h.writeJSON(w, http.StatusOK, resp)
}
