package upstream

import (
	"context"
	"fmt"

	"bridgehub/internal/envelope"
	"bridgehub/internal/errcode"
)

// Handle traduce un comando del bridge al protocolo de líneas Satellite
// (spec.md §4.5, "Bridge-message handler"). El ack terminal no lo produce
// el valor de retorno de Handle — que el router reserva para fallos de
// Go-level no documentados — sino un envelope "ack" que el adaptador
// construye y enruta él mismo, igual que cualquier otro origen.
func (a *Adapter) Handle(ctx context.Context, msg *envelope.Envelope) error {
	payload, ok := msg.Payload.(*envelope.CommandPayload)
	if !ok {
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "malformed command payload")
		return nil
	}

	switch payload.Action {
	case "press":
		a.handlePressRelease(ctx, msg, payload, true)
	case "release":
		a.handlePressRelease(ctx, msg, payload, false)
	case "rotate":
		a.handleRotate(ctx, msg, payload)
	case "setVariable":
		a.handleSetVariable(ctx, msg, payload)
	case "getVariable":
		a.handleGetVariable(ctx, msg, payload)
	case "clearKeys":
		a.handleClearKeys(ctx, msg)
	default:
		a.ackFailed(ctx, msg, errcode.AdapterError, "unknown action: "+payload.Action)
	}
	return nil
}

func (a *Adapter) keyIndexFromParams(params map[string]interface{}) (int, bool) {
	if v, ok := numberParam(params, "keyIndex"); ok {
		return int(v), true
	}
	page, okP := numberParam(params, "page")
	bank, okB := numberParam(params, "bank")
	if okP && okB {
		return int(page-1)*8 + int(bank), true
	}
	return 0, false
}

func (a *Adapter) handlePressRelease(ctx context.Context, msg *envelope.Envelope, payload *envelope.CommandPayload, pressed bool) {
	keyIndex, ok := a.keyIndexFromParams(payload.Params)
	if !ok {
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "press/release requires keyIndex or {page, bank}")
		return
	}
	a.send(encodeKeyPress(a.cfg.DeviceID, keyIndex, pressed))
	a.ackCompleted(ctx, msg, nil)
}

func (a *Adapter) handleRotate(ctx context.Context, msg *envelope.Envelope, payload *envelope.CommandPayload) {
	if !a.capsSnapshot().Rotation {
		a.ackFailed(ctx, msg, errcode.AdapterError, "device does not report ROTATION capability")
		return
	}
	keyIndex, ok := numberParam(payload.Params, "keyIndex")
	if !ok {
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "rotate requires keyIndex")
		return
	}
	dirStr, ok := stringParam(payload.Params, "direction")
	if !ok {
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "rotate requires direction")
		return
	}
	var dir int
	switch dirStr {
	case "left":
		dir = -1
	case "right":
		dir = 1
	default:
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "direction must be \"left\" or \"right\"")
		return
	}
	a.send(encodeKeyRotate(a.cfg.DeviceID, int(keyIndex), dir))
	a.ackCompleted(ctx, msg, nil)
}

func (a *Adapter) handleSetVariable(ctx context.Context, msg *envelope.Envelope, payload *envelope.CommandPayload) {
	if !a.capsSnapshot().VariableWrite {
		a.ackFailed(ctx, msg, errcode.AdapterError, "device does not report VARIABLE_WRITE capability")
		return
	}
	name, okName := stringParam(payload.Params, "name")
	value, okValue := stringParam(payload.Params, "value")
	if !okName || !okValue {
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "setVariable requires name and value")
		return
	}
	a.send(encodeVariableValue(name, value))
	a.ackCompleted(ctx, msg, nil)
}

func (a *Adapter) handleGetVariable(ctx context.Context, msg *envelope.Envelope, payload *envelope.CommandPayload) {
	name, ok := stringParam(payload.Params, "name")
	if !ok {
		a.ackFailed(ctx, msg, errcode.InvalidMessage, "getVariable requires name")
		return
	}
	a.mu.Lock()
	value, known := a.variableCache[name]
	a.mu.Unlock()
	if !known {
		value = ""
	}
	a.ackCompleted(ctx, msg, map[string]interface{}{"name": name, "value": value})
}

func (a *Adapter) handleClearKeys(ctx context.Context, msg *envelope.Envelope) {
	a.send(encodeKeysClear(a.cfg.DeviceID))
	a.mu.Lock()
	a.keyCache = make(map[string]map[int]keyState)
	a.mu.Unlock()
	a.ackCompleted(ctx, msg, nil)
}

func (a *Adapter) capsSnapshot() Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

func numberParam(params map[string]interface{}, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (a *Adapter) ackCompleted(ctx context.Context, original *envelope.Envelope, result interface{}) {
	a.deliverAck(ctx, original, envelope.AckCompleted, result, "")
}

func (a *Adapter) ackFailed(ctx context.Context, original *envelope.Envelope, code errcode.Code, message string) {
	a.deliverAck(ctx, original, envelope.AckFailed, nil, fmt.Sprintf("%s: %s", code, message))
}

func (a *Adapter) deliverAck(ctx context.Context, original *envelope.Envelope, status envelope.AckStatus, result interface{}, errMsg string) {
	if a.dispatch == nil {
		return
	}
	id, err := envelope.NewID(nil)
	if err != nil {
		id = "00000000-0000-7000-8000-000000000000"
	}
	ack := &envelope.Envelope{
		ID:            id,
		Type:          envelope.TypeAck,
		Source:        ownerNamespace,
		Target:        original.Source,
		Path:          original.Path,
		Payload:       &envelope.AckPayload{Status: status, CommandID: original.ID, Result: result, Error: errMsg},
		Timestamp:     a.clock.NowMillis(),
		Sequence:      a.sequencer.Next(ownerNamespace),
		CorrelationID: original.CorrelationID,
	}
	a.dispatch.Route(ctx, ack)
}
