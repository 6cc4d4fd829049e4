package router

import (
	"context"
	"testing"

	"bridgehub/internal/envelope"
	"bridgehub/internal/state"
	"bridgehub/internal/subscription"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMillis() int64 { return c.ms }

// recordingTarget captura cada envelope entregado, en orden, para
// asertar contra las secuencias de los escenarios semilla (spec.md §8).
type recordingTarget struct {
	id        string
	ns        string
	delivered []*envelope.Envelope
	handle    func(ctx context.Context, msg *envelope.Envelope) error
}

func (t *recordingTarget) ID() string        { return t.id }
func (t *recordingTarget) Namespace() string { return t.ns }
func (t *recordingTarget) Handle(ctx context.Context, msg *envelope.Envelope) error {
	t.delivered = append(t.delivered, msg)
	if t.handle != nil {
		return t.handle(ctx, msg)
	}
	return nil
}

func newTestRouter() (*Router, *state.Store, *subscription.Manager) {
	clock := fixedClock{ms: 1_700_000_000_000}
	st := state.New(clock)
	subs := subscription.NewManager(clock)
	r := NewRouter(st, subs, Config{IdempotencyEnabled: true, IdempotencyTTLMs: 60_000}, clock)
	return r, st, subs
}

func commandEnvelope(id, source, target, action, idempotencyKey string, params map[string]interface{}) *envelope.Envelope {
	return &envelope.Envelope{
		ID:             id,
		Type:           envelope.TypeCommand,
		Source:         source,
		Target:         target,
		Timestamp:      1,
		IdempotencyKey: idempotencyKey,
		Payload:        &envelope.CommandPayload{Action: action, Params: params},
	}
}

// Seed scenario 1: snapshot then delta.
func TestSeedScenario_SnapshotThenDelta(t *testing.T) {
	r, st, _ := newTestRouter()

	upstream := &recordingTarget{id: "upstream", ns: "companion.satellite"}
	client := &recordingTarget{id: "client", ns: "app.dashboard"}
	if err := r.RegisterTarget(upstream); err != nil {
		t.Fatalf("register upstream: %v", err)
	}
	if err := r.RegisterTarget(client); err != nil {
		t.Fatalf("register client: %v", err)
	}

	st.Set("companion.variables.tally", "cam1", "companion.satellite")

	snap := true
	sub := &envelope.Envelope{
		ID:     "sub-1",
		Type:   envelope.TypeSubscribe,
		Source: "app.dashboard",
		Payload: &envelope.SubscribePayload{
			Patterns: []string{"companion.variables.**"},
			Snapshot: &snap,
		},
	}
	r.Route(context.Background(), sub)

	if len(client.delivered) < 3 {
		t.Fatalf("expected at least 3 deliveries (ack, state, snapshot_complete), got %d", len(client.delivered))
	}
	ack := client.delivered[0]
	if ack.Type != envelope.TypeAck {
		t.Fatalf("expected first delivery to be the subscribe ack, got %v", ack.Type)
	}
	snapshotState := client.delivered[1]
	if snapshotState.Type != envelope.TypeState || snapshotState.Path != "companion.variables.tally" {
		t.Fatalf("expected a state snapshot message for the preloaded value, got %+v", snapshotState)
	}
	if sp := snapshotState.Payload.(*envelope.StatePayload); sp.Value != "cam1" {
		t.Fatalf("expected snapshot value cam1, got %v", sp.Value)
	}
	complete := client.delivered[2]
	if complete.Type != envelope.TypeEvent {
		t.Fatalf("expected snapshot_complete event, got %v", complete.Type)
	}
	if ep := complete.Payload.(*envelope.EventPayload); ep.Event != "snapshot_complete" {
		t.Fatalf("expected event=snapshot_complete, got %s", ep.Event)
	}

	// Upstream now publishes an updated value.
	st.Set("companion.variables.tally", "cam2", "companion.satellite")

	if len(client.delivered) != 4 {
		t.Fatalf("expected one additional delta delivery, got %d total", len(client.delivered))
	}
	delta := client.delivered[3]
	sp := delta.Payload.(*envelope.StatePayload)
	if sp.Value != "cam2" || sp.Version != 2 {
		t.Fatalf("expected delta value=cam2 version=2, got value=%v version=%d", sp.Value, sp.Version)
	}
}

// Seed scenario 2: ownership conflict.
func TestSeedScenario_OwnershipConflict(t *testing.T) {
	r, st, _ := newTestRouter()

	clientB := &recordingTarget{id: "b", ns: "app.b"}
	if err := r.RegisterTarget(clientB); err != nil {
		t.Fatalf("register: %v", err)
	}

	st.Set("x.y", 1.0, "app.a")

	r.Route(context.Background(), &envelope.Envelope{
		ID:      "s-1",
		Type:    envelope.TypeState,
		Source:  "app.b",
		Path:    "x.y",
		Payload: &envelope.StatePayload{Value: 2.0},
	})

	if len(clientB.delivered) != 1 || clientB.delivered[0].Type != envelope.TypeError {
		t.Fatalf("expected app.b to receive exactly one error, got %+v", clientB.delivered)
	}
	ep := clientB.delivered[0].Payload.(*envelope.ErrorPayload)
	if ep.Code != "STATE_CONFLICT" {
		t.Fatalf("expected STATE_CONFLICT, got %s", ep.Code)
	}

	e := st.Get("x.y")
	if e.Value != 1.0 || e.Owner != "app.a" || e.Version != 1 {
		t.Fatalf("rejected write must leave the entry unchanged, got %+v", e)
	}
}

// Seed scenario 3: idempotent command.
func TestSeedScenario_IdempotentCommand(t *testing.T) {
	r, _, _ := newTestRouter()

	invocations := 0
	upstream := &recordingTarget{id: "up", ns: "companion.satellite", handle: func(ctx context.Context, msg *envelope.Envelope) error {
		invocations++
		// The real upstream adapter resolves its terminal ack and routes it
		// reentrantly from inside Handle (internal/upstream/handle.go), so
		// this must ack before Handle returns rather than after Route comes
		// back — that's the ordering that used to let markInFlight clobber
		// the terminal record written by this reentrant resolve.
		ack := r.buildAck(msg, envelope.AckCompleted, map[string]interface{}{"ok": true}, "")
		ack.Target = "app.dashboard"
		r.Route(ctx, ack)
		return nil
	}}
	client := &recordingTarget{id: "cl", ns: "app.dashboard"}
	r.RegisterTarget(upstream)
	r.RegisterTarget(client)

	cmd := commandEnvelope("cmd-1", "app.dashboard", "companion.satellite", "press", "K1", map[string]interface{}{"keyIndex": float64(5)})
	r.Route(context.Background(), cmd)

	if invocations != 1 {
		t.Fatalf("expected exactly one handler invocation, got %d", invocations)
	}

	// Resend the identical envelope within TTL.
	r.Route(context.Background(), cmd)

	if invocations != 1 {
		t.Fatalf("a duplicate idempotencyKey must not re-invoke the handler, invocations=%d", invocations)
	}

	last := client.delivered[len(client.delivered)-1]
	if last.Type != envelope.TypeAck {
		t.Fatalf("expected the cached terminal ack to be replayed, got %v", last.Type)
	}
	if ap := last.Payload.(*envelope.AckPayload); ap.Status != envelope.AckCompleted {
		t.Fatalf("expected the replayed ack to carry the cached terminal status, got %s", ap.Status)
	}
}

// Seed scenario 4: staleness on disconnect.
func TestSeedScenario_StalenessOnDisconnect(t *testing.T) {
	r, st, _ := newTestRouter()

	dashboard := &recordingTarget{id: "dash", ns: "app.dashboard"}
	r.RegisterTarget(dashboard)

	st.Set("companion.variables.v", 1.0, "companion.satellite")

	snap := false
	r.Route(context.Background(), &envelope.Envelope{
		ID:     "sub-1",
		Type:   envelope.TypeSubscribe,
		Source: "app.dashboard",
		Payload: &envelope.SubscribePayload{
			Patterns: []string{"companion.**"},
			Filter:   envelope.FilterState,
			Snapshot: &snap,
		},
	})

	before := len(dashboard.delivered)
	st.MarkOwnerStale("companion.satellite")

	var staleDelta *envelope.Envelope
	for _, d := range dashboard.delivered[before:] {
		if d.Type == envelope.TypeState && d.Path == "companion.variables.v" {
			staleDelta = d
		}
	}
	if staleDelta == nil {
		t.Fatal("expected a state delta reflecting the staleness flip")
	}
	sp := staleDelta.Payload.(*envelope.StatePayload)
	if sp.Stale == nil || !*sp.Stale {
		t.Fatalf("expected stale=true in the delivered delta, got %+v", sp)
	}
	if sp.Value != 1.0 {
		t.Fatalf("value must be preserved across the staleness flip, got %v", sp.Value)
	}
}

// Seed scenario 5: prefix target resolution.
func TestSeedScenario_PrefixTargetResolution(t *testing.T) {
	r, _, _ := newTestRouter()

	companion := &recordingTarget{id: "companion", ns: "companion"}
	r.RegisterTarget(companion)

	cmd := commandEnvelope("cmd-1", "app.dashboard", "companion.satellite", "press", "K1", nil)
	r.Route(context.Background(), cmd)

	if len(companion.delivered) != 1 {
		t.Fatalf("expected the companion target to receive the command via prefix resolution, got %d deliveries", len(companion.delivered))
	}
}

// Seed scenario 6: self-delivery suppression.
func TestSeedScenario_SelfDeliverySuppression(t *testing.T) {
	r, st, _ := newTestRouter()

	clientX := &recordingTarget{id: "x", ns: "app.x"}
	r.RegisterTarget(clientX)

	snap := false
	r.Route(context.Background(), &envelope.Envelope{
		ID:     "sub-1",
		Type:   envelope.TypeSubscribe,
		Source: "app.x",
		Payload: &envelope.SubscribePayload{
			Patterns: []string{"app.x.**"},
			Filter:   envelope.FilterState,
			Snapshot: &snap,
		},
	})

	before := len(clientX.delivered)
	st.Set("app.x.foo", 1.0, "app.x")

	for _, d := range clientX.delivered[before:] {
		if d.Type == envelope.TypeState && d.Path == "app.x.foo" {
			t.Fatal("the owner of a write must not receive a copy of its own state delta")
		}
	}
}

func TestRouteCommand_UnknownTargetEmitsError(t *testing.T) {
	r, _, _ := newTestRouter()
	client := &recordingTarget{id: "cl", ns: "app.a"}
	r.RegisterTarget(client)

	cmd := commandEnvelope("cmd-1", "app.a", "nowhere", "press", "K1", nil)
	r.Route(context.Background(), cmd)

	if len(client.delivered) != 1 || client.delivered[0].Type != envelope.TypeError {
		t.Fatalf("expected a single UNKNOWN_TARGET error, got %+v", client.delivered)
	}
	ep := client.delivered[0].Payload.(*envelope.ErrorPayload)
	if ep.Code != "UNKNOWN_TARGET" {
		t.Fatalf("expected UNKNOWN_TARGET, got %s", ep.Code)
	}
}

func TestUnregisterTarget_RejectsPendingAndDropsSubscriptions(t *testing.T) {
	r, _, subs := newTestRouter()

	client := &recordingTarget{id: "cl", ns: "app.a"}
	// Registered at the parent namespace; the command below addresses a
	// child namespace that only resolves to this target via the same
	// prefix rule targetRegistry.find uses, so unregistering "companion"
	// must still cancel a command sent to "companion.satellite".
	upstream := &recordingTarget{id: "up", ns: "companion", handle: func(ctx context.Context, msg *envelope.Envelope) error {
		return nil
	}}
	r.RegisterTarget(client)
	r.RegisterTarget(upstream)

	cmd := commandEnvelope("cmd-1", "app.a", "companion.satellite", "press", "", nil)
	r.Route(context.Background(), cmd)

	subs.Subscribe("companion", []string{"x.y"}, envelope.FilterAll, false)

	r.UnregisterTarget("companion")

	last := client.delivered[len(client.delivered)-1]
	if last.Type != envelope.TypeAck {
		t.Fatalf("expected a rejection ack for the pending command, got %v", last.Type)
	}
	if ap := last.Payload.(*envelope.AckPayload); ap.Error != "target unregistered" {
		t.Fatalf("expected error=target unregistered, got %q", ap.Error)
	}
	if subs.CountForClient("companion") != 0 {
		t.Fatal("expected the unregistered target's subscriptions to be dropped")
	}
}

func TestRegisterTarget_RejectsDuplicateNamespace(t *testing.T) {
	r, _, _ := newTestRouter()
	a := &recordingTarget{id: "a", ns: "app.dup"}
	b := &recordingTarget{id: "b", ns: "app.dup"}

	if err := r.RegisterTarget(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RegisterTarget(b); err == nil {
		t.Fatal("expected an error registering a second target on the same namespace")
	}
}
