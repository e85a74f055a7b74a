package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/native/escrow"
	"escrowd/state"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the escrow ledger over JSON-RPC 2.0. A single POST endpoint
// dispatches on the method name; metrics and health live on their own paths.
type Server struct {
	engine    *escrow.Engine
	eventLog  *state.EventLog
	authToken string
	logger    *slog.Logger
	limiter   *RateLimiter
}

// NewServer wires the ledger engine and event log into an RPC server. An empty
// authToken disables bearer authentication.
func NewServer(engine *escrow.Engine, eventLog *state.EventLog, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		eventLog:  eventLog,
		authToken: strings.TrimSpace(authToken),
		logger:    logger,
	}
}

// SetRateLimiter enables per-client request throttling on the RPC endpoint.
func (s *Server) SetRateLimiter(limiter *RateLimiter) {
	s.limiter = limiter
}

// Handler returns the fully-routed HTTP handler.
func (s *Server) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	var rpcHandler http.Handler = http.HandlerFunc(s.handle)
	if s.limiter != nil {
		rpcHandler = s.limiter.Middleware(rpcHandler)
	}
	mux.Handle("/", rpcHandler)
	if strings.TrimSpace(metricsPath) == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start blocks serving RPC traffic on addr.
func (s *Server) Start(addr, metricsPath string) error {
	s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler(metricsPath))
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "invalid_request", "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if int64(len(body)) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "invalid_request", "request body too large")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "jsonrpc must be 2.0")
		return
	}

	switch req.Method {
	case "escrow_create":
		s.handleEscrowCreate(w, r, &req)
	case "escrow_submitMilestone":
		s.handleEscrowSubmit(w, r, &req)
	case "escrow_approveMilestone":
		s.handleEscrowApprove(w, r, &req)
	case "escrow_raiseDispute":
		s.handleEscrowDispute(w, r, &req)
	case "escrow_resolveDispute":
		s.handleEscrowResolve(w, r, &req)
	case "escrow_get":
		s.handleEscrowGet(w, r, &req)
	case "escrow_getMilestone":
		s.handleEscrowGetMilestone(w, r, &req)
	case "escrow_getMilestoneCount":
		s.handleEscrowMilestoneCount(w, r, &req)
	case "escrow_nextId":
		s.handleEscrowNextID(w, r, &req)
	case "escrow_listEvents":
		s.handleEscrowListEvents(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
	}
}
