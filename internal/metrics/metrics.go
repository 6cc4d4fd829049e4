// Package metrics expone los contadores, gauges e histogramas de
// Prometheus del hub, organizados por componente tal como
// internal/metrics/metrics.go de omniapi (un bloque de variables
// promauto por subsistema, mas las ayudas Sanitize* que evitan
// cardinalidad explosiva en las etiquetas). Reconstruido sección por
// sección para este dominio: el bloque Requester se convierte en el
// bloque Router, el bloque WebSocket en el bloque Transport, y se añade
// un bloque Upstream nuevo modelado sobre la forma in-flight/latencia del
// bloque Requester original.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════
// Envelope & codec (internal/envelope)
// ═══════════════════════════════════════════════════════════

var (
	// EnvelopesValidatedTotal cuenta los mensajes validados por tipo y
	// resultado (valid|invalid).
	EnvelopesValidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_envelopes_validated_total",
			Help: "Total de envelopes validados, por tipo y resultado",
		},
		[]string{"type", "result"},
	)
)

// ═══════════════════════════════════════════════════════════
// State store (internal/state)
// ═══════════════════════════════════════════════════════════

var (
	// StateEntriesActive número de entradas vivas en el store.
	StateEntriesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_state_entries_active",
			Help: "Número de entradas activas en el almacén de estado",
		},
	)

	// StateVersion versión global del store (monotónica).
	StateVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_state_version",
			Help: "Contador de versión global del almacén de estado",
		},
	)

	// StateDeltasTotal deltas emitidos por el store, por tipo
	// (create|update|stale|unstale|delete).
	StateDeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_state_deltas_total",
			Help: "Total de deltas de estado emitidos, por tipo de mutación",
		},
		[]string{"kind"},
	)

	// StateConflictsTotal escrituras rechazadas por STATE_CONFLICT.
	StateConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgehub_state_conflicts_total",
			Help: "Total de escrituras rechazadas por conflicto de owner",
		},
	)
)

// ═══════════════════════════════════════════════════════════
// Router (internal/router) — antes bloque Requester
// ═══════════════════════════════════════════════════════════

var (
	// RouterMessagesRoutedTotal mensajes despachados, por tipo.
	RouterMessagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_router_messages_routed_total",
			Help: "Total de mensajes despachados por el router, por tipo",
		},
		[]string{"type"},
	)

	// RouterRoutingLatencyMS latencia de Route() en milisegundos.
	RouterRoutingLatencyMS = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridgehub_router_routing_latency_ms",
			Help:    "Latencia de Router.Route en milisegundos",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		},
	)

	// RouterCommandsPendingActive comandos pendientes de ack terminal.
	RouterCommandsPendingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_router_commands_pending_active",
			Help: "Número de comandos pendientes de ack terminal",
		},
	)

	// RouterIdempotencyHitsTotal resultados servidos desde la caché de
	// idempotencia, por resultado (cached_terminal|in_flight_suppressed).
	RouterIdempotencyHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_router_idempotency_hits_total",
			Help: "Total de comandos resueltos desde la caché de idempotencia",
		},
		[]string{"result"},
	)

	// RouterTargetsActive targets registrados actualmente.
	RouterTargetsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_router_targets_active",
			Help: "Número de targets registrados en el router",
		},
	)

	// RouterErrorsEmittedTotal mensajes "error" emitidos, por código.
	RouterErrorsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_router_errors_emitted_total",
			Help: "Total de mensajes de error emitidos por el router, por código",
		},
		[]string{"code"},
	)
)

// ═══════════════════════════════════════════════════════════
// Subscription manager (internal/subscription)
// ═══════════════════════════════════════════════════════════

var (
	// SubscriptionsActive suscripciones vivas.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_subscriptions_active",
			Help: "Número de suscripciones activas",
		},
	)

	// SnapshotsStreamedTotal entradas de snapshot enviadas a nuevos
	// suscriptores.
	SnapshotsStreamedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgehub_snapshots_streamed_total",
			Help: "Total de entradas de snapshot transmitidas a suscriptores",
		},
	)
)

// ═══════════════════════════════════════════════════════════
// Upstream adapter (internal/upstream) — nuevo, modelado sobre la forma
// in-flight/latencia/circuit-breaker-open del bloque Requester original
// ═══════════════════════════════════════════════════════════

var (
	// UpstreamConnectionState estado actual de la conexión Satellite
	// (0=disconnected,1=connecting,2=connected,3=error,4=reconnecting).
	UpstreamConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_upstream_connection_state",
			Help: "Estado de la conexión upstream Satellite (enum codificado)",
		},
	)

	// UpstreamReconnectsTotal intentos de reconexión realizados.
	UpstreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgehub_upstream_reconnects_total",
			Help: "Total de intentos de reconexión hacia el servidor Satellite",
		},
	)

	// UpstreamHeartbeatLatencyMS última latencia PING→PONG observada.
	UpstreamHeartbeatLatencyMS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_upstream_heartbeat_latency_ms",
			Help: "Última latencia PING/PONG observada hacia Satellite, en milisegundos",
		},
	)

	// UpstreamFramesTotal tramas de protocolo procesadas, por dirección
	// (in|out) y comando.
	UpstreamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_upstream_frames_total",
			Help: "Total de tramas del protocolo Satellite, por dirección y comando",
		},
		[]string{"direction", "command"},
	)
)

// ═══════════════════════════════════════════════════════════
// Client transport (internal/transport) — antes bloque WebSocket
// ═══════════════════════════════════════════════════════════

var (
	// TransportClientsActive clientes conectados actualmente.
	TransportClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgehub_transport_clients_active",
			Help: "Número de clientes WebSocket conectados",
		},
	)

	// TransportMessagesInTotal mensajes recibidos de clientes, por tipo.
	TransportMessagesInTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_transport_messages_in_total",
			Help: "Total de mensajes recibidos de clientes, por tipo",
		},
		[]string{"type"},
	)

	// TransportMessagesOutTotal mensajes entregados a clientes, por tipo.
	TransportMessagesOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_transport_messages_out_total",
			Help: "Total de mensajes entregados a clientes, por tipo",
		},
		[]string{"type"},
	)

	// TransportRateLimitedTotal mensajes rechazados por el límite de
	// ventana fija por cliente.
	TransportRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgehub_transport_rate_limited_total",
			Help: "Total de mensajes de cliente rechazados por RATE_LIMITED",
		},
	)

	// TransportDisconnectsTotal desconexiones de cliente, por código de
	// cierre.
	TransportDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgehub_transport_disconnects_total",
			Help: "Total de desconexiones de cliente, por código de cierre",
		},
		[]string{"close_code"},
	)
)

// ═══════════════════════════════════════════════════════════
// Helpers para evitar cardinalidad explosiva
// ═══════════════════════════════════════════════════════════

// SanitizeNamespace limita la longitud de un namespace usado como valor de
// etiqueta, evitando cardinalidad explosiva por nombres de cliente
// arbitrarios (spec.md limita namespace a 128 caracteres; aquí se trunca
// más agresivamente porque es solo para una etiqueta de métrica).
func SanitizeNamespace(namespace string) string {
	if namespace == "" {
		return "unknown"
	}
	if len(namespace) > 32 {
		return namespace[:32]
	}
	return namespace
}

// SanitizeErrorCode mapea un errcode.Code arbitrario a sí mismo si es
// conocido, o a "other" en caso contrario, para no dejar que un código mal
// formado explote la cardinalidad de la etiqueta.
func SanitizeErrorCode(code string) string {
	switch code {
	case "INVALID_MESSAGE", "UNKNOWN_TARGET", "TIMEOUT", "RATE_LIMITED",
		"UNAUTHORIZED", "FORBIDDEN", "ADAPTER_ERROR", "STATE_CONFLICT",
		"SUBSCRIPTION_FAILED", "INTERNAL_ERROR":
		return code
	default:
		return "other"
	}
}

// SanitizeCloseCode mapea un código de cierre a sí mismo si es uno de los
// documentados (spec.md §6), o a "other" en caso contrario.
func SanitizeCloseCode(code int) string {
	switch code {
	case 1000, 1001, 1013, 4000, 4001, 4002, 4003, 4004, 4005:
		return itoa(code)
	default:
		return "other"
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
