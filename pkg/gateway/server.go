package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/harun/devmind/pkg/agent"
	"github.com/harun/devmind/pkg/catalog"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// writeWait bounds every websocket write.
	writeWait = 10 * time.Second
	// SecretHeader carries the shared secret on /rpc requests.
	SecretHeader = "X-Devmind-Secret"
	// TraceHeader lets /rpc callers supply their own trace id.
	TraceHeader = "X-Trace-Id"

	maxRPCBody       = 1 << 20
	shutdownDrainFor = 30 * time.Second
)

// SessionCatalog lists recorded sessions for sessions.list.
type SessionCatalog interface {
	Sessions(ctx context.Context) ([]catalog.SessionSummary, error)
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	Manager           *agent.Manager
	// Catalog is optional; sessions.list falls back to the session store.
	Catalog SessionCatalog
	Logger  zerolog.Logger
}

// Server is the gateway: websocket and HTTP JSON-RPC in front of an
// agent.Manager.
type Server struct {
	addr         string
	tickInterval time.Duration
	rpm          int
	maxConc      int
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	authHandler  *AuthHandler
	broadcaster  *EventBroadcaster
	manager      *agent.Manager
	catalog      SessionCatalog
	logger       zerolog.Logger

	// ctx parents every request; it is canceled once shutdown has drained.
	ctx    context.Context
	cancel context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("agent manager is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		tickInterval: cfg.TickInterval,
		rpm:          cfg.RequestsPerMinute,
		maxConc:      cfg.MaxConcurrent,
		clients:      clients,
		router:       NewRPCRouter(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, logger),
		manager:      cfg.Manager,
		catalog:      cfg.Catalog,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		upgrader: websocket.Upgrader{
			// Clients authenticate with the HMAC challenge, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.emitTicks(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})
	return g.Wait()
}

func (s *Server) shutdown(srv *http.Server) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownDrainFor)
	defer cancelDrain()
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := s.manager.Drain(drainCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Session turns still running at shutdown")
		} else {
			s.logger.Info().Msg("All in-flight requests completed")
		}
	case <-drainCtx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}
	s.cancel()

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) emitTicks(ctx context.Context) {
	if s.tickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcaster.Broadcast("tick", map[string]interface{}{
				"status":   "alive",
				"sessions": len(s.manager.Active()),
			})
		}
	}
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket upgrades the connection, sends the auth challenge and
// reads messages until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewID()
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.rpm, s.maxConc),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Event:     EventAuthChallenge,
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame. It returns false when the connection
// should be dropped.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == MethodAuthResponse {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	if rpcErr := client.RateLimiter.Acquire(); rpcErr != nil {
		s.sendError(client, req.ID, rpcErr.Code, rpcErr.Message)
		return true
	}
	s.inFlightReqs.Add(1)

	ctx := tracing.WithClientID(tracing.NewRequestContext(s.ctx), client.ID)
	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("client_id", client.ID).
				Str("request_id", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		client.State = StateAuthenticated
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return true
	}

	s.logger.Warn().
		Str("client_id", client.ID).
		Str("reason", result.Message).
		Int("attempts", client.AuthAttempts).
		Msg("Authentication failed")
	observability.RecordSecurityAudit(s.ctx, "gateway.auth", client.ID, "denied", map[string]interface{}{
		"ip":       client.IPAddress,
		"attempts": client.AuthAttempts,
	})
	return client.AuthAttempts < maxAuthAttempts
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	ctx := r.Context()
	if traceID := r.Header.Get(TraceHeader); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	ctx = tracing.NewRequestContext(ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlightReqs.Done()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("client_id", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
