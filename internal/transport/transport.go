// Package transport implements the downstream (application client)
// WebSocket boundary (spec.md §6 "Downstream (client) WebSocket boundary").
// It follows websocket/hub.go's Client shape from the teacher — a
// readPump/writePump goroutine pair per client, SetReadLimit/
// SetReadDeadline/SetPongHandler and a ping ticker — with the hub's
// register/unregister channels replaced by a mutex-guarded client map on
// Server (there is no hub goroutine and no broadcast channel), turned from an
// anonymous chat room into the handshake-then-envelope framing spec.md
// documents, with each accepted client registered as a router.Target under
// its sanitized namespace.
package transport

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"bridgehub/internal/envelope"
	"bridgehub/internal/metrics"
	"bridgehub/internal/router"
)

// Close codes (spec.md §6).
const (
	CloseServerShutdown     = 1001
	CloseMaxClientsReached  = 1013
	CloseHandshakeTimeout   = 4000
	CloseNonHandshakeFirst  = 4001
	CloseInvalidHandshake   = 4002
	CloseAuthFailed         = 4003
	CloseIdleTimeout        = 4004
	CloseServerDisconnect   = 4005
)

// Dispatcher is the slice of the router a Server needs to route inbound
// client envelopes (unregistering on disconnect goes through
// TargetRegistrar). *router.Router satisfies this structurally, same
// pattern as internal/upstream.Dispatcher.
type Dispatcher interface {
	Route(ctx context.Context, msg *envelope.Envelope)
}

// TargetRegistrar is the subset of *router.Router needed to register and
// unregister this package's per-client router.Target implementations.
type TargetRegistrar interface {
	RegisterTarget(t router.Target) error
	UnregisterTarget(namespace string)
}

// Config agrupa los parámetros configurables del transporte de clientes
// (spec.md §6 "client transport").
type Config struct {
	Host string
	Port int

	MaxClients          int
	RateLimit           int
	RateLimitWindow     time.Duration
	IdleTimeout         time.Duration
	RequireAuth         bool
	AuthTokens          []string
	EnableCompression   bool
	MaxMessageSize      int64
	HeartbeatInterval   time.Duration
	HandshakeTimeout    time.Duration

	ConnectionRateLimitEnabled   bool
	ConnectionRateLimitPerSecond float64
	ConnectionRateLimitBurst     int
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 100
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 65536
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return cfg
}

// Clock permite inyectar la fuente de tiempo en tests.
type Clock interface{ NowMillis() int64 }

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Server es el punto de entrada HTTP/WebSocket para clientes de
// aplicación. Registra cada cliente aceptado como router.Target bajo su
// namespace saneado y reenvía todo frame posterior (post-handshake) al
// router como Envelope (spec.md §6).
type Server struct {
	cfg      Config
	router   TargetRegistrar
	dispatch Dispatcher
	clock    Clock
	upgrader gorilla.Upgrader

	connLimiter *rate.Limiter

	mu           sync.RWMutex
	clients      map[string]*Client
	totalAccepted int64

	shutdownOnce sync.Once
	shuttingDown bool
}

// NewServer builds a Server bound to cfg. router is used to register and
// unregister per-client Targets; dispatch is used to route inbound
// envelopes (ordinarily the same *router.Router satisfies both).
func NewServer(cfg Config, router TargetRegistrar, dispatch Dispatcher, clock Clock) *Server {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = systemClock{}
	}
	s := &Server{
		cfg:      cfg,
		router:   router,
		dispatch: dispatch,
		clock:    clock,
		clients:  make(map[string]*Client),
		upgrader: gorilla.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: cfg.EnableCompression,
		},
	}
	if cfg.ConnectionRateLimitEnabled {
		perSec := cfg.ConnectionRateLimitPerSecond
		if perSec <= 0 {
			perSec = 5
		}
		burst := cfg.ConnectionRateLimitBurst
		if burst <= 0 {
			burst = 10
		}
		s.connLimiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	return s
}

// ServeHTTP upgrades the request to a WebSocket, enforces max-clients and
// the optional connection-level rate limit (SPEC_FULL.md "Connection-level
// rate limiting"), then runs the handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.connLimiter != nil && !s.connLimiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	s.mu.RLock()
	shuttingDown := s.shuttingDown
	count := len(s.clients)
	s.mu.RUnlock()

	if shuttingDown {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if count >= s.cfg.MaxClients {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(CloseMaxClientsReached, "max clients reached"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade failed: %v", err)
		return
	}

	s.handleConn(conn)
}

// handleConn runs the handshake and, on success, spins up the client's
// readPump/writePump pair.
func (s *Server) handleConn(conn *gorilla.Conn) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	req, err := s.readHandshake(conn)
	if err != nil {
		s.rejectHandshake(conn, err)
		return
	}

	namespace := sanitizeNamespace(req.Name)
	if s.cfg.RequireAuth {
		if req.AuthToken == "" || !containsToken(s.cfg.AuthTokens, req.AuthToken) {
			s.closeWith(conn, CloseAuthFailed, "authentication failed")
			return
		}
	}

	c := newClient(namespace, conn, s)

	if err := s.router.RegisterTarget(c); err != nil {
		// El namespace ya tiene un target (colisión de sanitización);
		// distinguir con un sufijo numérico determinístico.
		namespace = s.uniqueNamespace(namespace)
		c.namespace = namespace
		if err := s.router.RegisterTarget(c); err != nil {
			s.closeWith(conn, CloseInvalidHandshake, "namespace collision")
			return
		}
	}

	s.mu.Lock()
	s.clients[namespace] = c
	s.totalAccepted++
	s.mu.Unlock()
	metrics.TransportClientsActive.Inc()

	resp := handshakeResponse{
		Type:          "handshake_response",
		Success:       true,
		SessionID:     c.id,
		Namespace:     namespace,
		ServerVersion: protocolVersion,
	}
	if err := conn.WriteJSON(resp); err != nil {
		s.removeClient(c, "write failed")
		return
	}

	go c.writePump()
	c.readPump()
}

func (s *Server) uniqueNamespace(base string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidate := base
	for i := 2; ; i++ {
		if _, exists := s.clients[candidate]; !exists {
			return candidate
		}
		candidate = truncateNamespace(base, i)
	}
}

// removeClient unregisters c from the router (which in turn drops its
// pending commands and subscriptions) and from the local client map.
func (s *Server) removeClient(c *Client, reason string) {
	s.mu.Lock()
	_, existed := s.clients[c.namespace]
	delete(s.clients, c.namespace)
	s.mu.Unlock()

	if !existed {
		return
	}
	metrics.TransportClientsActive.Dec()
	s.router.UnregisterTarget(c.namespace)
	log.Printf("transport: client %s (%s) disconnected: %s", c.namespace, c.id, reason)
}

// DisconnectClient force-closes a specific connected client with
// CloseServerDisconnect (spec.md §6 close code 4005 "server-initiated
// disconnect"), e.g. from an administrative action outside the documented
// client-facing protocol.
func (s *Server) DisconnectClient(namespace string) bool {
	s.mu.RLock()
	c, ok := s.clients[namespace]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.closeWith(c.conn, CloseServerDisconnect, "disconnected by server")
	return true
}

// Shutdown closes every connected client with CloseServerShutdown and
// stops accepting new connections.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		clients := make([]*Client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			s.closeWith(c.conn, CloseServerShutdown, "server shutdown")
		}
	})
}

func (s *Server) closeWith(conn *gorilla.Conn, code int, reason string) {
	_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	conn.Close()
	metrics.TransportDisconnectsTotal.WithLabelValues(metrics.SanitizeCloseCode(code)).Inc()
}

func (s *Server) rejectHandshake(conn *gorilla.Conn, err error) {
	switch e := err.(type) {
	case handshakeTimeoutErr:
		s.closeWith(conn, CloseHandshakeTimeout, "handshake timeout")
	case handshakeInvalidJSONErr:
		s.closeWith(conn, CloseInvalidHandshake, "invalid handshake json")
	case handshakeWrongTypeErr:
		s.closeWith(conn, CloseNonHandshakeFirst, "first message must be a handshake")
	default:
		_ = e
		s.closeWith(conn, CloseInvalidHandshake, "handshake failed")
	}
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}

func truncateNamespace(base string, suffix int) string {
	s := base + "-" + itoa(suffix)
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// sanitizeNamespace derives an `app.<sanitized-name>` namespace from a
// client-supplied handshake name (spec.md §6): lowercase, replace each
// non-[a-z0-9] character with `_`, trim leading/trailing underscores,
// truncate to 32 characters, substitute "client" if empty.
func sanitizeNamespace(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	sanitized := strings.Trim(b.String(), "_")
	if len(sanitized) > 32 {
		sanitized = sanitized[:32]
	}
	if sanitized == "" {
		sanitized = "client"
	}
	return "app." + sanitized
}

// encodeOutbound marshals msg as it is; Source is not rewritten on
// outbound frames (spec.md §6: "The server overrides source to the
// client's namespace if it differs" applies to inbound frames, and
// readPump does that override).
func encodeOutbound(msg *envelope.Envelope) ([]byte, error) {
	return envelope.Encode(msg)
}
