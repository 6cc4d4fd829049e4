package upstream

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"bridgehub/internal/envelope"
	"bridgehub/internal/metrics"
	"bridgehub/internal/state"
)

// ConnState enumera los estados de la máquina de conexión del adaptador
// (spec.md §4.5).
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
	StateReconnecting ConnState = "reconnecting"
)

// Dispatcher es la porción del router que el adaptador necesita para
// entregar los mensajes que él mismo origina (acks terminales, eventos).
// Se define localmente para que este paquete no dependa de internal/router;
// *router.Router satisface esta interfaz estructuralmente.
type Dispatcher interface {
	Route(ctx context.Context, msg *envelope.Envelope)
}

// Clock permite inyectar la fuente de tiempo en tests.
type Clock interface{ NowMillis() int64 }

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Adapter es el cliente WebSocket persistente hacia el servidor Satellite.
// Sigue la forma de ciclo de vida de
// internal/connectors/adapters/mqttfeed/mqttfeed.go (Start/Stop/Health,
// bandera running protegida por mutex, goroutine de vigilancia de
// contexto) generalizada de una suscripción MQTT a un diálogo WebSocket
// bidireccional de líneas de texto.
type Adapter struct {
	cfg      Config
	store    *state.Store
	dispatch Dispatcher
	clock    Clock
	sequencer *envelope.Sequencer
	dialer   *gorilla.Dialer

	mu                sync.Mutex
	running           bool
	conn              *gorilla.Conn
	connState         ConnState
	reconnectAttempt  int
	pendingPongAt     int64
	lastLatencyMs     int64
	errorCount        int
	caps              Capabilities
	keyCache          map[string]map[int]keyState
	variableCache     map[string]string

	sendCh chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New construye un Adapter inactivo. dispatch puede ser nil en tests que no
// ejercen el camino de comandos.
func New(cfg Config, store *state.Store, dispatch Dispatcher, clock Clock) *Adapter {
	if clock == nil {
		clock = systemClock{}
	}
	return &Adapter{
		cfg:           cfg.withDefaults(),
		store:         store,
		dispatch:      dispatch,
		clock:         clock,
		sequencer:     envelope.NewSequencer(),
		dialer:        &gorilla.Dialer{HandshakeTimeout: cfg.withDefaults().connectionTimeout()},
		connState:     StateDisconnected,
		caps:          defaultCapabilities(),
		keyCache:      make(map[string]map[int]keyState),
		variableCache: make(map[string]string),
	}
}

// ID identifica la instancia del adaptador (router.Target).
func (a *Adapter) ID() string { return "upstream:" + a.cfg.DeviceID }

// Namespace es el namespace bajo el cual el adaptador se registra ante el
// router — distinto del owner que usa al escribir en el store (spec.md §8
// "Prefix target resolution").
func (a *Adapter) Namespace() string { return routedNamespace }

// Health resume el estado observable del adaptador para los endpoints de
// observabilidad (spec.md §6), en la forma de
// internal/connectors.HealthInfo del conector MQTT original.
type Health struct {
	State         ConnState
	ErrorCount    int
	LastLatencyMs int64
}

func (a *Adapter) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Health{State: a.connState, ErrorCount: a.errorCount, LastLatencyMs: a.lastLatencyMs}
}

// Start arranca el bucle de conexión en una goroutine y vigila ctx para
// detener el adaptador en cascada (idioma de mqttfeed.go: "go func() {
// <-ctx.Done(); m.Stop() }()").
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("upstream: adapter already running")
	}
	a.running = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.sendCh = make(chan string, 64)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.connectLoop(runCtx)
	}()

	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	return nil
}

// Stop detiene el adaptador y cierra la conexión activa, si la hay.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	conn := a.conn
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) setState(s ConnState) {
	a.mu.Lock()
	a.connState = s
	a.mu.Unlock()
	metrics.UpstreamConnectionState.Set(connStateValue(s))
}

// connStateValue codifica ConnState como un entero para el gauge de
// Prometheus, en el orden declarado por la máquina de estados (spec.md §4.5).
func connStateValue(s ConnState) float64 {
	switch s {
	case StateDisconnected:
		return 0
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateError:
		return 3
	case StateReconnecting:
		return 4
	default:
		return -1
	}
}

func (a *Adapter) getState() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connState
}

// connectLoop maneja la secuencia connect → run → (reconnect | stop)
// descrita en spec.md §4.5.
func (a *Adapter) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok := a.connectOnce(ctx)
		if !ok {
			if !a.cfg.AutoReconnect || !a.scheduleReconnect(ctx) {
				a.setState(StateError)
				return
			}
			continue
		}

		// connectOnce solo retorna tras la pérdida de la conexión.
		a.mu.Lock()
		running := a.running
		a.mu.Unlock()
		if !running {
			return
		}
		if !a.cfg.AutoReconnect || !a.scheduleReconnect(ctx) {
			a.setState(StateError)
			return
		}
	}
}

// connectOnce abre la conexión, corre sus bombas de lectura/escritura y
// bloquea hasta que se pierde. Retorna false si la conexión nunca llegó a
// establecerse.
func (a *Adapter) connectOnce(ctx context.Context) bool {
	a.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.connectionTimeout())
	defer cancel()

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)}
	conn, resp, err := a.dialer.DialContext(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		// Se distingue "nunca conectó" (timeout de CONNECTING) de una
		// caída posterior: ambas terminan en ERROR si no hay reconexión,
		// pero la primera nunca marca CONNECTED.
		a.mu.Lock()
		a.errorCount++
		a.mu.Unlock()
		return false
	}

	a.mu.Lock()
	a.conn = conn
	a.reconnectAttempt = 0
	a.mu.Unlock()

	a.send(encodeBegin(a.cfg.DeviceID, a.cfg.ProductName, a.cfg.KeysPerRow, a.cfg.KeysTotal, a.cfg.BitmapSize))
	a.setState(StateConnected)
	a.publishConnectionState("connected", "")
	a.emitEvent("connected", nil)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var inner sync.WaitGroup
	inner.Add(2)
	go func() { defer inner.Done(); a.writePump(runCtx, conn) }()
	go func() { defer inner.Done(); a.heartbeatLoop(runCtx) }()

	a.readPump(conn) // bloquea hasta que la conexión se cierra

	runCancel()
	inner.Wait()

	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()

	reason := "connection closed"
	a.setState(StateDisconnected)
	a.publishConnectionState("disconnected", reason)
	a.store.MarkOwnerStale(ownerNamespace)
	a.emitEvent("disconnected", map[string]interface{}{"reason": reason})

	return true
}

// scheduleReconnect dormita el retraso con jitter de spec.md §4.5 y
// retorna false si se alcanzó maxReconnectAttempts.
func (a *Adapter) scheduleReconnect(ctx context.Context) bool {
	a.mu.Lock()
	a.reconnectAttempt++
	attempt := a.reconnectAttempt
	a.mu.Unlock()

	if a.cfg.MaxReconnectAttempts > 0 && attempt > a.cfg.MaxReconnectAttempts {
		return false
	}

	a.setState(StateReconnecting)
	metrics.UpstreamReconnectsTotal.Inc()
	delay := reconnectDelay(a.cfg.ReconnectDelayMs, attempt)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// reconnectDelay implementa exactamente la fórmula de spec.md §4.5:
// min(baseDelay × 2^(attempt-1), 60_000) + uniform_random[0, 1000) ms.
func reconnectDelay(baseDelayMs int64, attempt int) time.Duration {
	d := float64(baseDelayMs) * pow2(attempt-1)
	if d > 60_000 {
		d = 60_000
	}
	jitter := rand.Float64() * 1000.0
	return time.Duration(d+jitter) * time.Millisecond
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

func (a *Adapter) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			a.pendingPongAt = a.clock.NowMillis()
			a.mu.Unlock()
			a.send(encodePing())
		}
	}
}

func (a *Adapter) send(line string) {
	select {
	case a.sendCh <- line:
		metrics.UpstreamFramesTotal.WithLabelValues("out", outboundCommand(line)).Inc()
	default:
		log.Printf("upstream: send buffer full, dropping frame %q", line)
	}
}

// outboundCommand extrae el primer token de una línea saliente ya
// construida, para etiquetar UpstreamFramesTotal sin volver a parsear el
// frame completo.
func outboundCommand(line string) string {
	for i, r := range line {
		if r == ' ' {
			return line[:i]
		}
	}
	return line
}

func (a *Adapter) writePump(ctx context.Context, conn *gorilla.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-a.sendCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(gorilla.TextMessage, []byte(line)); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) readPump(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.handleLine(string(data))
	}
}

func (a *Adapter) publishConnectionState(connState, lastError string) {
	now := a.clock.NowMillis()
	a.store.Set("companion.connection.state", connState, ownerNamespace)
	if connState == "connected" {
		a.store.Set("companion.connection.lastConnected", now, ownerNamespace)
	}
	if lastError != "" {
		a.store.Set("companion.connection.lastError", lastError, ownerNamespace)
	}
}

func (a *Adapter) emitEvent(event string, data map[string]interface{}) {
	if a.dispatch == nil {
		return
	}
	id, err := envelope.NewID(nil)
	if err != nil {
		id = "00000000-0000-7000-8000-000000000000"
	}
	env := &envelope.Envelope{
		ID:        id,
		Type:      envelope.TypeEvent,
		Source:    ownerNamespace,
		Path:      "companion.connection",
		Payload:   &envelope.EventPayload{Event: event, Data: data},
		Timestamp: a.clock.NowMillis(),
		Sequence:  a.sequencer.Next(ownerNamespace),
	}
	a.dispatch.Route(context.Background(), env)
}

// CheckHealth adapta el estado observado al contrato de dependency checker
// que cmd/bridgehub agrega en el endpoint /health (spec.md §6: cada checker
// reporta "healthy|degraded|unhealthy").
func (a *Adapter) CheckHealth() (string, error) {
	switch a.getState() {
	case StateConnected:
		return "healthy", nil
	case StateConnecting, StateReconnecting:
		return "degraded", nil
	default:
		return "unhealthy", fmt.Errorf("upstream: %s", a.getState())
	}
}
