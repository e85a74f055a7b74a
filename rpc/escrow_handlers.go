package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/observability"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowTransfer      = -32025
	codeEscrowInternal      = -32026
)

type escrowCreateParams struct {
	Caller       string   `json:"caller"`
	Contractor   string   `json:"contractor"`
	Arbitrator   string   `json:"arbitrator"`
	Descriptions []string `json:"descriptions"`
	Amounts      []string `json:"amounts"`
	Funded       string   `json:"funded"`
}

type escrowActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Index  uint64 `json:"index"`
}

type escrowResolveParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Index   uint64 `json:"index"`
	Approve bool   `json:"approve"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowMilestoneParams struct {
	ID    uint64 `json:"id"`
	Index uint64 `json:"index"`
}

type listEventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type milestoneJSON struct {
	Description         string `json:"description"`
	Amount              string `json:"amount"`
	Status              string `json:"status"`
	ClientApproved      bool   `json:"clientApproved"`
	ContractorSubmitted bool   `json:"contractorSubmitted"`
}

type escrowJSON struct {
	ID             uint64          `json:"id"`
	Client         string          `json:"client"`
	Contractor     string          `json:"contractor"`
	Arbitrator     string          `json:"arbitrator"`
	TotalAmount    string          `json:"totalAmount"`
	ReleasedAmount string          `json:"releasedAmount"`
	Status         string          `json:"status"`
	Milestones     []milestoneJSON `json:"milestones"`
	CreatedAt      int64           `json:"createdAt"`
}

func escrowToJSON(esc *escrow.Escrow) escrowJSON {
	out := escrowJSON{
		ID:             esc.ID,
		Client:         crypto.EncodeAddress(esc.Client),
		Contractor:     crypto.EncodeAddress(esc.Contractor),
		Arbitrator:     crypto.EncodeAddress(esc.Arbitrator),
		TotalAmount:    esc.TotalAmount.String(),
		ReleasedAmount: esc.ReleasedAmount.String(),
		Status:         esc.Status.String(),
		CreatedAt:      esc.CreatedAt,
		Milestones:     make([]milestoneJSON, len(esc.Milestones)),
	}
	for i, ms := range esc.Milestones {
		out.Milestones[i] = milestoneToJSON(ms)
	}
	return out
}

func milestoneToJSON(ms *escrow.Milestone) milestoneJSON {
	return milestoneJSON{
		Description:         ms.Description,
		Amount:              ms.Amount.String(),
		Status:              ms.Status.String(),
		ClientApproved:      ms.ClientApproved,
		ContractorSubmitted: ms.ContractorSubmitted,
	}
}

// writeEscrowError maps the engine's failure taxonomy onto RPC error codes so
// callers can branch on the category without parsing messages.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "unauthorized", err.Error())
	case errors.Is(err, escrow.ErrInvalidReference):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "invalid_reference", err.Error())
	case errors.Is(err, escrow.ErrInvalidState):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "invalid_state", err.Error())
	case errors.Is(err, escrow.ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "amount_mismatch", err.Error())
	case errors.Is(err, escrow.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_argument", err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusConflict, id, codeEscrowTransfer, "transfer_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", err.Error())
	}
}

func errorCategory(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, escrow.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, escrow.ErrInvalidReference):
		return "invalid_reference"
	case errors.Is(err, escrow.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, escrow.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, escrow.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "internal"
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(value, field string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, errors.New(field + ": " + err.Error())
	}
	return addr.Raw(), nil
}

func parseAmount(value, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New(field + ": amount required")
	}
	amt, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New(field + ": malformed amount")
	}
	if amt.Sign() < 0 {
		return nil, errors.New(field + ": amount must be non-negative")
	}
	return amt, nil
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	contractor, err := parseAddress(params.Contractor, "contractor")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	arbitrator, err := parseAddress(params.Arbitrator, "arbitrator")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amounts := make([]*big.Int, len(params.Amounts))
	for i, raw := range params.Amounts {
		amounts[i], err = parseAmount(raw, "amounts")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	funded, err := parseAmount(params.Funded, "funded")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.engine.Create(caller, contractor, arbitrator, params.Descriptions, amounts, funded)
	observability.Ledger().Observe("create", start, errorCategory(err))
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) handleEscrowSubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorCall(w, r, req, "submit", s.engine.Submit)
}

func (s *Server) handleEscrowApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorCall(w, r, req, "approve", s.engine.Approve)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorCall(w, r, req, "dispute", s.engine.Dispute)
}

func (s *Server) handleActorCall(w http.ResponseWriter, r *http.Request, req *RPCRequest, operation string, fn func(uint64, [20]byte, uint64) error) {
	start := time.Now()
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	err = fn(params.ID, caller, params.Index)
	observability.Ledger().Observe(operation, start, errorCategory(err))
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowResolveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.engine.Resolve(params.ID, caller, params.Index, params.Approve)
	observability.Ledger().Observe("resolve", start, errorCategory(err))
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.engine.Get(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) handleEscrowGetMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowMilestoneParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	ms, err := s.engine.GetMilestone(params.ID, params.Index)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, milestoneToJSON(ms))
}

func (s *Server) handleEscrowMilestoneCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	count, err := s.engine.MilestoneCount(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"count": count})
}

func (s *Server) handleEscrowNextID(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	next, err := s.engine.NextID()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"nextId": next})
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listEventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if s.eventLog == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", "event log not configured")
		return
	}
	entries, err := s.eventLog.List(params.Prefix, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, entries)
}
