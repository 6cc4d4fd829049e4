package envelope

import (
	"encoding/json"
	"fmt"
	"log"

	"bridgehub/internal/envelope/schema"
)

// schemaManager holds the secondary structural-validation layer (spec.md
// §4.1's typed Validate remains authoritative; this only catches grossly
// malformed payloads earlier). A compile failure here is a packaging bug,
// not a runtime condition, so Decode degrades to skipping the JSON Schema
// pass rather than panicking.
var schemaManager *schema.Manager

func init() {
	m, err := schema.NewManager()
	if err != nil {
		log.Printf("envelope: schema manager unavailable, skipping structural pre-validation: %v", err)
		return
	}
	schemaManager = m
}

// wireEnvelope es la forma intermedia usada solo para (de)serialización:
// Payload llega como json.RawMessage hasta que se conoce Type, momento en
// el que se decodifica al struct concreto.
type wireEnvelope struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Source         string          `json:"source"`
	Target         string          `json:"target,omitempty"`
	Path           string          `json:"path,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	Sequence       uint64          `json:"sequence"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	TTL            int64           `json:"ttl,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Encode serializa un Envelope ya validado a JSON.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializa bytes JSON a un Envelope con su payload tipado según
// Type, y lo valida con Validate. decode∘encode es identidad sobre mensajes
// válidos (spec.md §4.1).
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ValidationError{Field: "$", Message: fmt.Sprintf("malformed json: %v", err)}
	}

	e := &Envelope{
		ID:             w.ID,
		Type:           w.Type,
		Source:         w.Source,
		Target:         w.Target,
		Path:           w.Path,
		Timestamp:      w.Timestamp,
		Sequence:       w.Sequence,
		CorrelationID:  w.CorrelationID,
		TTL:            w.TTL,
		IdempotencyKey: w.IdempotencyKey,
	}

	if schemaManager != nil && len(w.Payload) > 0 {
		result, err := schemaManager.Validate(string(w.Type), w.Payload)
		if err == nil && !result.Valid {
			return nil, &ValidationError{Field: "payload", Message: fmt.Sprintf("schema: %v", result.Errors)}
		}
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return nil, err
	}
	e.Payload = payload

	if err := Validate(e); err != nil {
		return nil, err
	}

	return e, nil
}

func decodePayload(t Type, raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var err error
	switch t {
	case TypeCommand:
		p := &CommandPayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	case TypeEvent:
		p := &EventPayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	case TypeState:
		p := &StatePayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	case TypeAck:
		p := &AckPayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	case TypeError:
		p := &ErrorPayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	case TypeSubscribe:
		p := &SubscribePayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	case TypeUnsubscribe:
		p := &UnsubscribePayload{}
		err = json.Unmarshal(raw, p)
		return p, wrapDecodeErr(err)
	default:
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", t)}
	}
}

func wrapDecodeErr(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Field: "payload", Message: err.Error()}
}
