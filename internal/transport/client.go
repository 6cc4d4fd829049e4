package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"bridgehub/internal/envelope"
	"bridgehub/internal/metrics"
)

const sendBufferSize = 64

// Client es la conexión WebSocket de un cliente de aplicación aceptado,
// registrado ante el router bajo su namespace saneado. Sigue la forma de
// websocket/hub.go's Client (readPump/writePump sobre un canal Send), con
// el framing de chat sustituido por el framing de Envelope del bridge y la
// adición del límite de ventana fija por cliente y el idle timeout que
// spec.md §5/§6 exigen.
type Client struct {
	id        string
	namespace string
	conn      *gorilla.Conn
	server    *Server

	send chan []byte

	mu           sync.Mutex
	lastActivity int64 // unix millis, atomic-ish guarded by mu
	windowStart  int64
	windowCount  int

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(namespace string, conn *gorilla.Conn, s *Server) *Client {
	return &Client{
		id:           fmt.Sprintf("%s-%d", namespace, time.Now().UnixNano()),
		namespace:    namespace,
		conn:         conn,
		server:       s,
		send:         make(chan []byte, sendBufferSize),
		lastActivity: s.clock.NowMillis(),
		done:         make(chan struct{}),
	}
}

// ID satisfies router.Target.
func (c *Client) ID() string { return c.id }

// Namespace satisfies router.Target.
func (c *Client) Namespace() string { return c.namespace }

// Handle satisfies router.Target: it is invoked by the router whenever a
// message is routed to this client's namespace (state deltas, events,
// acks, errors). Delivery is a non-blocking send into this client's
// buffered channel per spec.md §5 "the core does not itself buffer outbound
// messages per subscriber" — backpressure beyond the buffer is this
// client's own problem, not the router's.
func (c *Client) Handle(_ context.Context, msg *envelope.Envelope) error {
	data, err := encodeOutbound(msg)
	if err != nil {
		return fmt.Errorf("encoding outbound envelope: %w", err)
	}
	select {
	case c.send <- data:
		metrics.TransportMessagesOutTotal.WithLabelValues(string(msg.Type)).Inc()
		return nil
	default:
		return fmt.Errorf("client %s send buffer full", c.namespace)
	}
}

// allowMessage implements the per-client fixed-window rate limit (spec.md
// §5/§6): a counter reset every RateLimitWindow that rejects once
// RateLimit messages have been admitted in the current window.
func (c *Client) allowMessage(now int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	windowMs := c.server.cfg.RateLimitWindow.Milliseconds()
	if now-c.windowStart >= windowMs {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= c.server.cfg.RateLimit
}

func (c *Client) touch(now int64) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Client) idleFor(now int64) time.Duration {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	return time.Duration(now-last) * time.Millisecond
}

func (c *Client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads handshake-following frames, decodes them as Envelopes,
// stamps Source to this client's namespace (spec.md §6 "The server
// overrides source to the client's namespace if it differs"), applies the
// rate limit, and routes them. Mirrors websocket/hub.go's readPump
// (SetPongHandler here; SetReadLimit is applied in handleConn) with the
// idle-timeout bound enforced by a watchdog goroutine instead of a read
// deadline, since idle
// timeout here is a configurable business rule, not a protocol constant.
func (c *Client) readPump() {
	defer func() {
		c.stop()
		c.conn.Close()
		c.server.removeClient(c, "read loop exited")
	}()

	c.conn.SetPongHandler(func(string) error {
		c.touch(c.server.clock.NowMillis())
		return nil
	})

	go c.idleWatchdog()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		now := c.server.clock.NowMillis()
		c.touch(now)

		if isClientPong(data) {
			continue
		}

		if !c.allowMessage(now) {
			metrics.TransportRateLimitedTotal.Inc()
			c.sendError("RATE_LIMITED", "message rate limit exceeded")
			continue
		}

		msg, err := envelope.Decode(data)
		if err != nil {
			c.sendError("INVALID_MESSAGE", err.Error())
			continue
		}
		metrics.TransportMessagesInTotal.WithLabelValues(string(msg.Type)).Inc()

		if msg.Source != c.namespace {
			msg.Source = c.namespace
		}

		c.server.dispatch.Route(context.Background(), msg)
	}
}

// idleWatchdog closes the connection with CloseIdleTimeout once
// lastActivity is older than the configured bound (spec.md §5 "Client idle
// timeout closes sockets whose last-activity timestamp is older than the
// configured bound").
func (c *Client) idleWatchdog() {
	ticker := time.NewTicker(c.server.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := c.server.clock.NowMillis()
			if c.idleFor(now) >= c.server.cfg.IdleTimeout {
				c.server.closeWith(c.conn, CloseIdleTimeout, "idle timeout")
				return
			}
		}
	}
}

// writePump drains c.send to the socket and sends a heartbeat ping every
// HeartbeatInterval, mirroring websocket/hub.go's ticker-driven writePump.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(gorilla.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorilla.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ping := fmt.Sprintf(`{"type":"ping","timestamp":%d}`, c.server.clock.NowMillis())
			if err := c.conn.WriteMessage(gorilla.TextMessage, []byte(ping)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) sendError(code, message string) {
	id, err := envelope.NewID(nil)
	if err != nil {
		id = "00000000-0000-7000-8000-000000000000"
	}
	msg := &envelope.Envelope{
		ID:        id,
		Type:      envelope.TypeError,
		Source:    "hub.core",
		Target:    c.namespace,
		Payload:   &envelope.ErrorPayload{Code: code, Message: message},
		Timestamp: c.server.clock.NowMillis(),
	}
	data, err := encodeOutbound(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func isClientPong(data []byte) bool {
	// A bare {"type":"pong"} echo, not an Envelope — handled here rather
	// than failing envelope.Decode and logging noise for every heartbeat.
	trimmed := make([]byte, 0, len(data))
	for _, b := range data {
		if b != ' ' && b != '\n' && b != '\t' && b != '\r' {
			trimmed = append(trimmed, b)
		}
	}
	s := string(trimmed)
	return s == `{"type":"pong"}`
}
