// Package router implementa el enrutador de mensajes: el componente que
// conecta el almacén de estado, el gestor de suscripciones y la tabla de
// targets direccionables, aplicando la política de despacho de spec.md
// §4.4. Estructuralmente sigue a internal/router/router.go de omniapi
// (un Router que posee sus colaboradores, un bucle de limpieza periódico,
// y un objeto Stats acumulado por llamada), generalizado de un router de
// eventos de telemetría a un router de envelopes bidireccional con acks,
// idempotencia y comandos pendientes.
package router

import (
	"context"
	"log"
	"sync"
	"time"

	"bridgehub/internal/envelope"
	"bridgehub/internal/errcode"
	"bridgehub/internal/metrics"
	"bridgehub/internal/state"
	"bridgehub/internal/subscription"
)

// hubSource es el namespace que el router usa para los mensajes que él
// mismo origina (spec.md §4.4 "routing self-emission rule").
const hubSource = "hub.core"

const sweepInterval = 10 * time.Second

// Clock permite inyectar la fuente de tiempo en tests.
type Clock interface{ NowMillis() int64 }

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Router es el enrutador central: un único escritor lógico sobre el
// almacén de estado, el gestor de suscripciones, la tabla de targets, la
// caché de idempotencia y la tabla de comandos pendientes (spec.md §5).
type Router struct {
	store *state.Store
	subs  *subscription.Manager

	targets   *targetRegistry
	pending   *pendingTable
	idemp     *idempotencyCache
	sequencer *envelope.Sequencer
	clock     Clock
	cfg       Config

	statsMu sync.Mutex
	stats   Stats

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup

	shutdownOnce sync.Once
}

// NewRouter construye un Router e instala su listener de fan-out de
// deltas de estado sobre store.
func NewRouter(store *state.Store, subs *subscription.Manager, cfg Config, clock Clock) *Router {
	if clock == nil {
		clock = systemClock{}
	}
	if cfg.IdempotencyTTLMs <= 0 {
		cfg.IdempotencyTTLMs = 60_000
	}

	r := &Router{
		store:     store,
		subs:      subs,
		targets:   newTargetRegistry(),
		pending:   newPendingTable(),
		idemp:     newIdempotencyCache(cfg.IdempotencyTTLMs),
		sequencer: envelope.NewSequencer(),
		clock:     clock,
		cfg:       cfg,
	}

	store.AddListener(r.onStateDelta)
	return r
}

// Start arranca el barrido periódico de la caché de idempotencia
// (spec.md §4.4: "A background sweep every ~10s removes records older
// than 2×TTL").
func (r *Router) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				removed := r.idemp.sweep(r.clock.NowMillis())
				if removed > 0 {
					log.Printf("router: idempotency sweep removed %d stale record(s)", removed)
				}
			}
		}
	}()
}

// Stop cancela el barrido, rechaza todos los comandos pendientes con
// "router shutdown", y limpia las cachés. No elimina suscripciones: los
// targets son dueños de su propio ciclo de vida (spec.md §4.4).
func (r *Router) Stop() {
	r.shutdownOnce.Do(func() {
		if r.sweepCancel != nil {
			r.sweepCancel()
		}
		r.wg.Wait()

		for _, p := range r.pending.drain() {
			metrics.RouterCommandsPendingActive.Dec()
			r.deliver(p.message.Source, r.buildAck(p.message, envelope.AckFailed, nil, "router shutdown"))
		}
		r.idemp.clear()
	})
}

// RegisterTarget aplica el invariante de un target por namespace
// (spec.md §4.4 "registerTarget(t) fails if the namespace is already
// bound").
func (r *Router) RegisterTarget(t Target) error {
	if err := r.targets.register(t); err != nil {
		return err
	}
	metrics.RouterTargetsActive.Inc()
	return nil
}

// UnregisterTarget remueve un target, rechaza sus comandos pendientes, y
// elimina sus suscripciones (spec.md §4.4 "unregisterTarget").
func (r *Router) UnregisterTarget(namespace string) {
	if _, ok := r.targets.unregister(namespace); !ok {
		return
	}
	metrics.RouterTargetsActive.Dec()
	for _, p := range r.pending.removeByTarget(namespace) {
		metrics.RouterCommandsPendingActive.Dec()
		r.deliver(p.message.Source, r.buildAck(p.message, envelope.AckFailed, nil, "target unregistered"))
	}
	r.subs.UnsubscribeClient(namespace)
}

// Stats retorna una copia de las estadísticas acumuladas del router.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats.Snapshot()
}

// Route despacha msg según su tipo (spec.md §4.4 "Dispatch").
func (r *Router) Route(ctx context.Context, msg *envelope.Envelope) {
	start := time.Now()
	defer func() {
		r.statsMu.Lock()
		r.stats.MessagesRouted++
		r.stats.recordRoutingTime(float64(time.Since(start).Microseconds()) / 1000.0)
		r.statsMu.Unlock()
	}()

	metrics.RouterMessagesRoutedTotal.WithLabelValues(string(msg.Type)).Inc()
	defer func() {
		metrics.RouterRoutingLatencyMS.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	switch msg.Type {
	case envelope.TypeCommand:
		r.routeCommand(ctx, msg)
	case envelope.TypeEvent:
		r.routeEvent(msg)
	case envelope.TypeState:
		r.routeState(msg)
	case envelope.TypeAck:
		r.routeAck(msg)
	case envelope.TypeError:
		r.routeError(msg)
	case envelope.TypeSubscribe:
		r.routeSubscribe(msg)
	case envelope.TypeUnsubscribe:
		r.routeUnsubscribe(msg)
	default:
		r.statsMu.Lock()
		r.stats.MessagesDropped++
		r.statsMu.Unlock()
	}
}

func (r *Router) routeCommand(ctx context.Context, msg *envelope.Envelope) {
	r.statsMu.Lock()
	r.stats.CommandsRouted++
	r.statsMu.Unlock()

	if r.cfg.IdempotencyEnabled && msg.IdempotencyKey != "" {
		if rec := r.idemp.lookup(msg.IdempotencyKey); rec != nil {
			if rec.result != nil {
				metrics.RouterIdempotencyHitsTotal.WithLabelValues("cached_terminal").Inc()
				r.deliver(msg.Source, rec.result)
				return
			}
			metrics.RouterIdempotencyHitsTotal.WithLabelValues("in_flight_suppressed").Inc()
			// Marcador en vuelo: se suprime el redespacho.
			return
		}
	}

	target, ok := r.targets.find(msg.Target)
	if !ok {
		r.deliver(msg.Source, r.buildError(msg, errcode.UnknownTarget, "no target registered for "+msg.Target))
		return
	}

	r.deliver(msg.Source, r.buildAck(msg, envelope.AckReceived, nil, ""))

	p := &pendingCommand{message: msg, sentAt: r.clock.NowMillis(), idempotencyKey: msg.IdempotencyKey}
	if msg.TTL > 0 {
		p.timer = time.AfterFunc(time.Duration(msg.TTL)*time.Millisecond, func() {
			if _, ok := r.pending.remove(msg.ID); ok {
				metrics.RouterCommandsPendingActive.Dec()
				r.completeCommand(msg, envelope.AckTimeout, nil, "command timed out")
			}
		})
	}
	r.pending.insert(p)
	metrics.RouterCommandsPendingActive.Inc()

	// Marcar en vuelo *antes* de despachar: target.Handle puede resolver y
	// enrutar su ack terminal de forma reentrante (el adaptador upstream lo
	// hace), lo que escribiría el registro terminal vía idemp.resolve antes
	// de que esta goroutine regrese. markInFlight nunca pisa un registro
	// terminal existente (idempotency.go), así que el orden es seguro en
	// ambos sentidos, pero escribirlo solo después de Handle llegaría tarde.
	if r.cfg.IdempotencyEnabled && msg.IdempotencyKey != "" {
		r.idemp.markInFlight(msg.IdempotencyKey, r.clock.NowMillis())
	}

	if err := target.Handle(ctx, msg); err != nil {
		if _, ok := r.pending.remove(msg.ID); ok {
			metrics.RouterCommandsPendingActive.Dec()
		}
		r.deliver(msg.Source, r.buildError(msg, errcode.AdapterError, err.Error()))
		return
	}
}

// completeCommand es invocado por el temporizador de TTL cuando un
// comando pendiente expira sin ack terminal.
func (r *Router) completeCommand(original *envelope.Envelope, status envelope.AckStatus, result interface{}, errMsg string) {
	ack := r.buildAck(original, status, result, errMsg)
	if r.cfg.IdempotencyEnabled && original.IdempotencyKey != "" {
		r.idemp.resolve(original.IdempotencyKey, ack, r.clock.NowMillis())
	}
	r.deliver(original.Source, ack)
}

func (r *Router) routeEvent(msg *envelope.Envelope) {
	r.statsMu.Lock()
	r.stats.EventsRouted++
	r.statsMu.Unlock()

	for _, m := range r.subs.GetMatchingSubscriptions(msg.Path, subscription.KindEvent) {
		if m.Subscription.ClientID == msg.Source {
			continue // sin autoentrega
		}
		r.deliver(m.Subscription.ClientID, msg)
	}
}

func (r *Router) routeState(msg *envelope.Envelope) {
	payload, ok := msg.Payload.(*envelope.StatePayload)
	if !ok {
		return
	}
	if _, err := r.store.Set(msg.Path, payload.Value, msg.Source); err != nil {
		r.deliver(msg.Source, r.buildError(msg, errcode.StateConflict, err.Error()))
	}
	// El fan-out a los suscriptores lo realiza el listener onStateDelta.
}

func (r *Router) routeAck(msg *envelope.Envelope) {
	ackPayload, ok := msg.Payload.(*envelope.AckPayload)
	if ok && ackPayload.CommandID != "" {
		if p, found := r.pending.remove(ackPayload.CommandID); found {
			metrics.RouterCommandsPendingActive.Dec()
			if r.cfg.IdempotencyEnabled && p.idempotencyKey != "" && isTerminal(ackPayload.Status) {
				r.idemp.resolve(p.idempotencyKey, msg, r.clock.NowMillis())
			}
		}
	}
	r.deliver(msg.Target, msg)
}

func isTerminal(s envelope.AckStatus) bool {
	switch s {
	case envelope.AckCompleted, envelope.AckFailed, envelope.AckTimeout, envelope.AckRejected:
		return true
	default:
		return false
	}
}

func (r *Router) routeError(msg *envelope.Envelope) {
	r.statsMu.Lock()
	r.stats.ErrorsEmitted++
	r.statsMu.Unlock()
	if msg.Target != "" {
		r.deliver(msg.Target, msg)
	}
}

func (r *Router) routeSubscribe(msg *envelope.Envelope) {
	payload, ok := msg.Payload.(*envelope.SubscribePayload)
	if !ok {
		r.deliver(msg.Source, r.buildError(msg, errcode.InvalidMessage, "malformed subscribe payload"))
		return
	}

	filter := payload.Filter
	if filter == "" {
		filter = envelope.FilterAll
	}
	snapshot := payload.Snapshot == nil || *payload.Snapshot

	sub, err := r.subs.Subscribe(msg.Source, payload.Patterns, filter, snapshot)
	if err != nil {
		r.deliver(msg.Source, r.buildError(msg, errcode.SubscriptionFailed, err.Error()))
		return
	}

	r.deliver(msg.Source, r.buildAck(msg, envelope.AckCompleted, map[string]interface{}{"subscriptionId": sub.ID}, ""))

	if !snapshot {
		return
	}

	for _, pattern := range sub.Patterns {
		entries, err := r.store.GetSnapshotForPattern(pattern)
		if err != nil {
			continue
		}
		for _, e := range entries {
			metrics.SnapshotsStreamedTotal.Inc()
			r.deliver(msg.Source, r.buildState(msg.Source, e))
		}
	}

	r.deliver(msg.Source, r.buildEvent(msg.Source, "hub.subscriptions", "snapshot_complete", map[string]interface{}{"subscriptionId": sub.ID}))
	r.subs.MarkSnapshotSent(sub.ID)
}

func (r *Router) routeUnsubscribe(msg *envelope.Envelope) {
	payload, ok := msg.Payload.(*envelope.UnsubscribePayload)
	if !ok {
		r.deliver(msg.Source, r.buildError(msg, errcode.InvalidMessage, "malformed unsubscribe payload"))
		return
	}

	removed, err := r.subs.UnsubscribePatterns(msg.Source, payload.Patterns)
	if err != nil {
		r.deliver(msg.Source, r.buildError(msg, errcode.SubscriptionFailed, err.Error()))
		return
	}

	r.deliver(msg.Source, r.buildAck(msg, envelope.AckCompleted, map[string]interface{}{"removedCount": removed}, ""))
}

// onStateDelta es el listener instalado sobre el store: por cada delta,
// entrega una actualización de estado a cada suscriptor cuyo filtro
// admite "state", salvo el propio dueño de la entrada (spec.md §4.4
// "State delta fan-out").
func (r *Router) onStateDelta(d state.Delta) {
	r.statsMu.Lock()
	r.stats.StateDeltasRouted++
	r.statsMu.Unlock()

	owner := ""
	if d.NewEntry != nil {
		owner = d.NewEntry.Owner
	}

	for _, m := range r.subs.GetMatchingSubscriptions(d.Path, subscription.KindState) {
		if m.Subscription.ClientID == owner {
			continue
		}
		r.deliver(m.Subscription.ClientID, r.buildStateFromDelta(m.Subscription.ClientID, d))
	}
}

// deliver resuelve namespace y, si existe un target registrado, le
// entrega msg. La ausencia de target es silenciosa: el destinatario pudo
// haberse desconectado entre el encolado y la entrega.
func (r *Router) deliver(namespace string, msg *envelope.Envelope) {
	target, ok := r.targets.find(namespace)
	if !ok {
		return
	}
	if err := target.Handle(context.Background(), msg); err != nil {
		log.Printf("router: delivery to %s failed: %v", namespace, err)
	}
}

func (r *Router) nextEnvelope(target string, msgType envelope.Type, path string, payload interface{}, correlationID string) *envelope.Envelope {
	id, err := envelope.NewID(nil)
	if err != nil {
		id = fallbackID()
	}
	return &envelope.Envelope{
		ID:            id,
		Type:          msgType,
		Source:        hubSource,
		Target:        target,
		Path:          path,
		Payload:       payload,
		Timestamp:     r.clock.NowMillis(),
		Sequence:      r.sequencer.Next(hubSource),
		CorrelationID: correlationID,
	}
}

func fallbackID() string {
	// Solo alcanzable si crypto/rand falla; preserva una forma válida de
	// 36 caracteres para no romper a los consumidores del campo id.
	return "00000000-0000-7000-8000-000000000000"
}

func (r *Router) buildAck(original *envelope.Envelope, status envelope.AckStatus, result interface{}, errMsg string) *envelope.Envelope {
	return r.nextEnvelope(original.Source, envelope.TypeAck, original.Path, &envelope.AckPayload{
		Status:    status,
		CommandID: original.ID,
		Result:    result,
		Error:     errMsg,
	}, original.CorrelationID)
}

func (r *Router) buildError(original *envelope.Envelope, code errcode.Code, message string) *envelope.Envelope {
	metrics.RouterErrorsEmittedTotal.WithLabelValues(metrics.SanitizeErrorCode(string(code))).Inc()
	return r.nextEnvelope(original.Source, envelope.TypeError, original.Path, &envelope.ErrorPayload{
		Code:             string(code),
		Message:          message,
		RelatedMessageID: original.ID,
	}, original.CorrelationID)
}

func (r *Router) buildEvent(target, path, event string, data map[string]interface{}) *envelope.Envelope {
	return r.nextEnvelope(target, envelope.TypeEvent, path, &envelope.EventPayload{Event: event, Data: data}, "")
}

// buildState construye el mensaje "state" sintetizado por el router para
// entregar una entrada del store a un suscriptor (snapshot o delta). El
// router es quien origina este envelope (source=hub.core); el owner real
// de la entrada viaja en payload.owner, no en el campo source.
func (r *Router) buildState(target string, e *state.Entry) *envelope.Envelope {
	stale := e.Stale
	return r.nextEnvelope(target, envelope.TypeState, e.Path, &envelope.StatePayload{
		Value:   e.Value,
		Stale:   &stale,
		Owner:   e.Owner,
		Version: e.Version,
	}, "")
}

func (r *Router) buildStateFromDelta(target string, d state.Delta) *envelope.Envelope {
	return r.buildState(target, d.NewEntry)
}
