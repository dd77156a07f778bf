// Package dashboard serves company profiles to browsers over HTTP and
// WebSocket.
//
// Each request is authenticated with a bearer token, mapped to the
// identity's shared SyncCache, and answered from its current snapshot.
// WebSocket clients receive the snapshot on connect and every snapshot the
// cache publishes after that.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/metrics"
)

// Server manages the HTTP API and WebSocket clients
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	engine   *gin.Engine

	registry *cache.Registry
	verifier identity.Verifier
	metrics  *metrics.Registry
	handler  *Handler
	origins  []string
	extra    []gin.HandlerFunc

	// WebSocket client management
	clients   map[string]*client
	clientsMu sync.RWMutex

	// Refresh throttling, one limiter per identity
	refreshRate  rate.Limit
	refreshBurst int
	limiters     map[string]*rate.Limiter
	limitersMu   sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Logging
	logger *log.Logger
}

type client struct {
	id       string
	identity string
	conn     *websocket.Conn
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Registry hands out per-identity caches (required)
	Registry *cache.Registry

	// Verifier authenticates requests. Nil accepts every request as
	// DevIdentity.
	Verifier identity.Verifier

	// DevIdentity is used when Verifier is nil (default: dev@localhost)
	DevIdentity string

	// Metrics is served on /metrics when set
	Metrics *metrics.Registry

	// RefreshInterval is the minimum spacing of refreshes per identity
	// (default: 5s)
	RefreshInterval time.Duration

	// OriginPatterns for WebSocket upgrades (default: same origin only)
	OriginPatterns []string

	// Middleware runs on every route after recovery, e.g. error reporting
	Middleware []gin.HandlerFunc

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		DevIdentity:     "dev@localhost",
		RefreshInterval: 5 * time.Second,
		Logger:          log.Default(),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultConfig().RefreshInterval
	}

	verifier := config.Verifier
	if verifier == nil {
		dev := config.DevIdentity
		if dev == "" {
			dev = DefaultConfig().DevIdentity
		}
		verifier = identity.StaticVerifier{Transition: identity.Static(dev)}
		config.Logger.Printf("Warning: no token verifier configured, serving everyone as %s", dev)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:         fmt.Sprintf(":%d", config.Port),
		registry:     config.Registry,
		verifier:     verifier,
		metrics:      config.Metrics,
		handler:      NewHandler(config.Logger),
		origins:      config.OriginPatterns,
		extra:        config.Middleware,
		clients:      make(map[string]*client),
		refreshRate:  rate.Every(config.RefreshInterval),
		refreshBurst: 1,
		limiters:     make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
		logger:       config.Logger,
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving HTTP and WebSocket requests
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.engine,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server. WebSocket clients are
// disconnected; the registry is left open for its owner to close.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for id, c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// handleWebSocket upgrades the connection and streams snapshots until the
// client goes away. It holds the request's cache reference for as long as
// the connection lives.
func (s *Server) handleWebSocket(c *gin.Context) {
	sc := cacheFrom(c)
	who := identityFrom(c)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	cl := &client{id: uuid.NewString(), identity: who.Identity, conn: conn}
	s.addClient(cl)
	defer s.removeClient(cl)

	// CloseRead discards client messages and cancels ctx on disconnect.
	ctx := conn.CloseRead(s.ctx)

	for snap := range sc.Watch(ctx) {
		for _, msg := range s.handler.Messages(snap) {
			if err := s.write(ctx, conn, msg); err != nil {
				s.logger.Printf("Failed to send to client %s: %v", cl.id, err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client %s connected as %s (total: %d)", c.id, c.identity, n)
}

// removeClient safely removes a client connection
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c.id]; exists {
		delete(s.clients, c.id)
		n := len(s.clients)
		s.clientsMu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client %s disconnected (total: %d)", c.id, n)
	} else {
		s.clientsMu.Unlock()
	}
}

// allowRefresh reports whether id may trigger another refresh now.
func (s *Server) allowRefresh(id string) bool {
	s.limitersMu.Lock()
	lim, ok := s.limiters[id]
	if !ok {
		lim = rate.NewLimiter(s.refreshRate, s.refreshBurst)
		s.limiters[id] = lim
	}
	s.limitersMu.Unlock()
	return lim.Allow()
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
