package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"escrowmarket/core/events"
	"escrowmarket/core/state"
	"escrowmarket/native/market"
	"escrowmarket/observability"
)

const (
	jsonRPCVersion    = "2.0"
	maxRequestBytes   = 1 << 20 // 1 MiB
	rateLimitWindow   = time.Minute
	maxCallsPerWindow = 120
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the contract's entry points over JSON-RPC. Administrative
// methods additionally require the configured bearer token; marketplace
// methods are open to any caller identity supplied in the params.
type Server struct {
	st          *state.Manager
	engine      *market.Engine
	registry    *market.Registry
	broadcaster *events.Broadcaster

	// stateMu serializes every state-changing call so engine and registry
	// read-modify-write sequences never interleave across requests.
	stateMu sync.Mutex

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
	nowFn        func() int64
	metrics      *observability.RPCMetrics
	tracer       trace.Tracer
}

// NewServer wires the engine and registry against the provided state manager.
// The auth token may be empty, which disables the admin token check.
func NewServer(st *state.Manager, authToken string) *Server {
	broadcaster := events.NewBroadcaster()
	engine := market.NewEngine()
	engine.SetState(st)
	engine.SetEmitter(broadcaster)
	registry := market.NewRegistry(st)
	registry.SetEmitter(broadcaster)
	return &Server{
		st:           st,
		engine:       engine,
		registry:     registry,
		broadcaster:  broadcaster,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    strings.TrimSpace(authToken),
		nowFn:        func() int64 { return time.Now().Unix() },
		metrics:      observability.Metrics(),
		tracer:       otel.Tracer("escrowmarket/rpc"),
	}
}

// SetNowFunc overrides the ledger time source. Primarily intended for tests to
// provide deterministic timestamps.
func (s *Server) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

func (s *Server) now() int64 { return s.nowFn() }

// Router returns the HTTP handler serving the JSON-RPC endpoint, the metrics
// endpoint, and the websocket event stream.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start serves the RPC endpoint until the listener fails.
func (s *Server) Start(addr string) error {
	fmt.Printf("Starting JSON-RPC server on %s\n", addr)
	return http.ListenAndServe(addr, s.Router())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
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

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	clientIP := resolveClientIP(r)
	if !s.allow(clientIP) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to parse request", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}

	start := time.Now()
	outcome := "ok"
	w.Header().Set("Content-Type", "application/json")

	_, span := s.tracer.Start(r.Context(), "rpc."+req.Method,
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	switch req.Method {
	case "market_addType":
		outcome = s.handleAddType(w, r, &req)
	case "market_changeType":
		outcome = s.handleChangeType(w, r, &req)
	case "market_removeType":
		outcome = s.handleRemoveType(w, r, &req)
	case "market_offer":
		outcome = s.handleOffer(w, &req)
	case "market_bid":
		outcome = s.handleBid(w, &req)
	case "market_initiateTransfer":
		outcome = s.handleInitiateTransfer(w, &req)
	case "market_confirm":
		outcome = s.handleConfirm(w, &req)
	case "market_sweep":
		outcome = s.handleSweep(w, &req)
	case "market_getState":
		outcome = s.handleGetState(w, &req)
	case "market_getItem":
		outcome = s.handleGetItem(w, &req)
	case "market_getSlashRecord":
		outcome = s.handleGetSlashRecord(w, &req)
	case "market_getBalance":
		outcome = s.handleGetBalance(w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
		outcome = "method_not_found"
	}
	span.SetAttributes(attribute.String("rpc.outcome", outcome))
	s.metrics.ObserveRequest(req.Method, start, outcome)
}

// requireAuth gates administrative methods behind the configured bearer token.
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

func (s *Server) allow(clientIP string) bool {
	if clientIP == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.rateLimiters[clientIP]
	now := time.Now()
	if !ok || now.Sub(limiter.windowStart) > rateLimitWindow {
		s.rateLimiters[clientIP] = &rateLimiter{count: 1, windowStart: now}
		return true
	}
	if limiter.count >= maxCallsPerWindow {
		return false
	}
	limiter.count++
	return true
}

func resolveClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
