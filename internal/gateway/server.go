// Package gateway implements the remote agent gateway: a WebSocket server
// brokering a bidirectional, JSON-framed conversation with a single
// embedded conversational-AI session per connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remoteagent/gateway/internal/agent"
	"github.com/remoteagent/gateway/internal/config"
	"github.com/remoteagent/gateway/internal/gateway/protocol"
	"github.com/remoteagent/gateway/internal/security"
)

// Server is the gateway's connection handler (component F) plus its small
// HTTP surface (/api/health, /api/status).
type Server struct {
	cfg      *config.Config
	cfgCache *config.Cache
	logger   *slog.Logger
	listener net.Listener

	httpServer *http.Server
	upgrader   websocket.Upgrader

	models   *agent.ModelManager
	tools    *agent.ToolRegistry
	commands *CommandRegistry
	snapshot *SnapshotStore
	limiter  *security.SlidingWindowLimiter

	conns map[string]*connection
	mu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// connection is one accepted socket: its WebSocket, its Session state
// machine, and the outbound write queue the write loop drains.
type connection struct {
	id      string
	ws      *websocket.Conn
	session *Session
	sendCh  chan protocol.Response
	done    chan struct{}
}

// NewServer wires the gateway's collaborators: a ModelManager and
// ToolRegistry from the agent package (the out-of-scope ChatEngine/
// ToolExecutor implementations named in §6), the built-in command
// registry, and a metadata-only snapshot store.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	log := logger.With("component", "gateway")

	s := &Server{
		cfg:      cfg,
		cfgCache: config.NewCache(cfg, 5*time.Second),
		logger:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // auth/origin checks are explicitly out of scope
			},
		},
		models:   agent.NewModelManager(cfg, log),
		tools:    agent.NewToolRegistry(cfg, log),
		commands: NewDefaultCommandRegistry(),
		snapshot: NewSnapshotStore(log),
		limiter:  security.NewSlidingWindowLimiter(cfg.Gateway.MaxConnPerMinute, time.Minute),
		conns:    make(map[string]*connection),
		ctx:      ctx,
		cancel:   cancel,
	}

	return s, nil
}

// Start begins listening for incoming connections.
func (s *Server) Start() error {
	host := "127.0.0.1"
	if s.cfg.Gateway.Bind == "all" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Gateway.Port)

	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.snapshot.StartPruneLoop(6*time.Hour, s.cfg.Memory.ArchiveAfterDays, 0, s.ctx.Done())

	return nil
}

// Address returns the address the server is listening on.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully tears down every connection and the HTTP server.
func (s *Server) Shutdown() error {
	s.cancel()

	s.mu.Lock()
	for id, c := range s.conns {
		s.logger.Debug("closing connection", "id", id)
		close(c.done)
		c.ws.Close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket upgrades a connection and starts its read/write loops and
// session state machine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.handleRoot(w, r)
		return
	}

	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !s.limiter.Allow(remote) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	id := fmt.Sprintf("conn-%d", time.Now().UnixNano())
	c := &connection{
		id:     id,
		ws:     ws,
		sendCh: make(chan protocol.Response, 256),
		done:   make(chan struct{}),
	}

	cfg := s.cfgCache.Get()
	engine := newEngineAdapter(agent.NewChatEngine(cfg, s.logger, s.models, s.tools, "", cfg.Agent.Defaults.MaxTurns))
	baseline := protocol.RequestConfig{AskBeforeToolExecution: &cfg.Agent.Defaults.AskBeforeToolExecution}
	c.session = NewSession(id, engine, engine, s.commands, baseline, s.logger, func(resp protocol.Response) {
		// Blocks when sendCh is full: a Complete frame is never dropped, and a
		// stalled socket applies backpressure all the way back to the
		// generation pump, which sends serially on the same goroutine. The
		// only escape hatches are the connection or server actually closing.
		select {
		case c.sendCh <- resp:
		case <-c.done:
			s.logger.Debug("connection closed, dropping frame", "id", id, "request_id", resp.RequestID)
		case <-s.ctx.Done():
			s.logger.Debug("server shutting down, dropping frame", "id", id, "request_id", resp.RequestID)
		}
	})

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.logger.Info("connection accepted", "id", id, "remote", ws.RemoteAddr())

	sessionCtx, sessionCancel := context.WithCancel(s.ctx)
	go c.session.Run(sessionCtx)
	go s.writeLoop(c)
	go func() {
		s.readLoop(c)
		sessionCancel()
	}()
}

// readLoop decodes inbound frames and feeds the session's serial executor.
func (s *Server) readLoop(c *connection) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		close(c.session.Inbox)
		turn := c.session.chat.CurrentTurn()
		s.snapshot.Record(c.id, s.cfgCache.Get().Agent.Model, len(c.session.chat.History()), turn)
		c.ws.Close()
		s.logger.Info("connection closed", "id", c.id)
	}()

	c.ws.SetReadLimit(4 << 20) // 4 MB max frame: images/files are base64-inlined
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "id", c.id, "error", err)
			}
			return
		}

		req, perr := protocol.DecodeRequest(message)
		if perr != nil {
			s.sendParseError(c, perr)
			continue
		}

		select {
		case c.session.Inbox <- req:
		case <-c.done:
			return
		}
	}
}

// writeLoop serializes outbound responses onto the socket in FIFO order and
// drives the ping heartbeat.
func (s *Server) writeLoop(c *connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case resp, ok := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := protocol.EncodeResponse(&resp)
			if err != nil {
				s.logger.Error("encode response failed", "id", c.id, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("websocket write error", "id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) sendParseError(c *connection, perr *protocol.ParseError) {
	resp := protocol.Response{RequestID: perr.RequestID, Response: protocol.Text(""), Error: perr.Reason}
	select {
	case c.sendCh <- resp:
	case <-c.done:
	case <-s.ctx.Done():
	}
}

// --- HTTP surface ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": n,
		"sessions":    s.snapshot.Manager().Count(),
		"model":       s.cfgCache.Get().Agent.Model,
		"config_hash": s.cfgCache.Hash(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "remote agent gateway: connect via WebSocket\n")
}
