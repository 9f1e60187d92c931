package api

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/attested-rebalancer/internal/agent"
	"github.com/attested-rebalancer/internal/types"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type createAgentRequest struct {
	Owner common.Address `json:"owner"`
	Salt  *common.Hash   `json:"salt,omitempty"`
}

type agentView struct {
	Address     common.Address `json:"address"`
	Owner       common.Address `json:"owner"`
	Nonce       uint64         `json:"nonce"`
	Initialized bool           `json:"initialized"`
	Created     bool           `json:"created"`
}

// handleCreateAgent handles POST /api/agents. Creating an existing agent
// returns it with 200 instead of 201.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	var salt common.Hash
	if req.Salt != nil {
		salt = *req.Salt
	}

	var (
		a       *agent.Agent
		created bool
	)
	err := s.deps.Serializer.Do(r.Context(), func(ctx context.Context) error {
		var err error
		a, created, err = s.deps.Factory.CreateIfAbsent(ctx, req.Owner, salt)
		return err
	})
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, agentView{
		Address:     a.Address(),
		Owner:       a.Owner(),
		Nonce:       a.Nonce(),
		Initialized: a.Initialized(),
		Created:     created,
	})
}

// handleAgentAddress handles GET /api/agents/{owner}/address?salt=
func (s *Server) handleAgentAddress(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	var salt common.Hash
	if raw := r.URL.Query().Get("salt"); raw != "" {
		if salt, err = parseHash("salt", raw); err != nil {
			badRequest(w, err)
			return
		}
	}

	addr := s.deps.Factory.AddressFor(owner, salt)
	_, deployed := s.deps.Factory.Get(addr)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":    owner,
		"salt":     salt,
		"address":  addr,
		"deployed": deployed,
	})
}

type sessionKeyView struct {
	Key              common.Address   `json:"key"`
	ValidUntil       time.Time        `json:"validUntil"`
	SpendLimit       string           `json:"spendLimit"`
	Spent            string           `json:"spent"`
	AllowedTargets   []common.Address `json:"allowedTargets"`
	AllowedSelectors []string         `json:"allowedSelectors"`
	Active           bool             `json:"active"`
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newSessionKeyView(k types.SessionKey) sessionKeyView {
	selectors := make([]string, len(k.AllowedSelectors))
	for i, sel := range k.AllowedSelectors {
		selectors[i] = hexutil.Encode(sel[:])
	}
	return sessionKeyView{
		Key:              k.Key,
		ValidUntil:       k.ValidUntil,
		SpendLimit:       bigString(k.SpendLimit),
		Spent:            bigString(k.Spent),
		AllowedTargets:   k.AllowedTargets,
		AllowedSelectors: selectors,
		Active:           k.Active,
	}
}

// handleSessionKeys handles GET /api/agents/{agent}/session-keys
func (s *Server) handleSessionKeys(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "agent")
	if err != nil {
		badRequest(w, err)
		return
	}
	a, ok := s.deps.Factory.Get(addr)
	if !ok {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "no agent deployed at "+addr.Hex(), nil)
		return
	}

	keys := a.SessionKeys()
	views := make([]sessionKeyView, len(keys))
	for i, k := range keys {
		views[i] = newSessionKeyView(k)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent":       addr,
		"sessionKeys": views,
	})
}

type submitOperationRequest struct {
	Operation userop.Operation `json:"operation"`
	MaxCost   *hexutil.Big     `json:"maxCost,omitempty"`
}

// handleSubmitOperation handles POST /api/operations. A rejected operation
// maps to its error status; an executed one returns 200 even when the
// execution failed, with the failure under "error".
func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	var req submitOperationRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	var maxCost *big.Int
	if req.MaxCost != nil {
		maxCost = req.MaxCost.ToInt()
	}

	// The entry point serializes on its own
	res, err := s.deps.Operations.HandleOperation(r.Context(), &req.Operation, maxCost)
	if res == nil {
		respondAppError(w, r, err)
		return
	}

	body := map[string]interface{}{"result": res}
	if err != nil {
		body["error"] = categorized(err)
	}
	respondJSON(w, http.StatusOK, body)
}
