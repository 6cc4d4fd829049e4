package envelope

import (
	"fmt"
	"regexp"
)

var (
	namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)*$`)
	// pathPattern admite además '_' y los comodines '*'/'**' en cada
	// segmento, ya que un Path también sirve como patrón de suscripción.
	pathPattern = regexp.MustCompile(`^[a-zA-Z0-9_*]+(\.[a-zA-Z0-9_*]+)*$`)
)

const (
	maxNamespaceLen      = 128
	maxPathLen           = 256
	minActionLen         = 1
	maxActionLen         = 64
	minEventLen          = 1
	maxEventLen          = 64
	maxTTLMillis         = 300_000
	minSubscribePatterns = 1
	maxSubscribePatterns = 100
)

// ValidationError identifica un campo concreto del envelope que violó una
// restricción de tamaño, rango o formato. Se traduce 1:1 al código
// INVALID_MESSAGE (spec.md §4.1).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate aplica el conjunto estricto de reglas de §3/§4.1. Retorna el
// primer ValidationError encontrado, o nil si el mensaje es válido.
func Validate(e *Envelope) error {
	if err := validateHeader(e); err != nil {
		return err
	}
	return validatePayload(e)
}

func validateHeader(e *Envelope) error {
	if e.ID == "" {
		return invalid("id", "must not be empty")
	}

	switch e.Type {
	case TypeCommand, TypeEvent, TypeState, TypeAck, TypeError, TypeSubscribe, TypeUnsubscribe:
	default:
		return invalid("type", "unknown message type %q", e.Type)
	}

	if e.Source == "" || !namespacePattern.MatchString(e.Source) || len(e.Source) > maxNamespaceLen {
		return invalid("source", "must be a namespace matching %s, length<=%d", namespacePattern.String(), maxNamespaceLen)
	}

	if e.Target != "" {
		if !namespacePattern.MatchString(e.Target) || len(e.Target) > maxNamespaceLen {
			return invalid("target", "must be a namespace matching %s, length<=%d", namespacePattern.String(), maxNamespaceLen)
		}
	}

	if (e.Type == TypeCommand || e.Type == TypeAck) && e.Target == "" {
		return invalid("target", "required for type %q", e.Type)
	}

	if e.Path != "" {
		if !pathPattern.MatchString(e.Path) || len(e.Path) > maxPathLen {
			return invalid("path", "must match %s, length<=%d", pathPattern.String(), maxPathLen)
		}
	}

	if e.TTL != 0 && (e.TTL < 1 || e.TTL > maxTTLMillis) {
		return invalid("ttl", "must be between 1 and %d ms", maxTTLMillis)
	}

	if e.Type == TypeCommand && e.IdempotencyKey == "" {
		return invalid("idempotencyKey", "required for type %q", TypeCommand)
	}

	return nil
}

func validatePayload(e *Envelope) error {
	switch e.Type {
	case TypeCommand:
		p, ok := e.Payload.(*CommandPayload)
		if !ok {
			return invalid("payload", "expected command payload")
		}
		if len(p.Action) < minActionLen || len(p.Action) > maxActionLen {
			return invalid("payload.action", "length must be between %d and %d", minActionLen, maxActionLen)
		}
	case TypeEvent:
		p, ok := e.Payload.(*EventPayload)
		if !ok {
			return invalid("payload", "expected event payload")
		}
		if len(p.Event) < minEventLen || len(p.Event) > maxEventLen {
			return invalid("payload.event", "length must be between %d and %d", minEventLen, maxEventLen)
		}
	case TypeState:
		if _, ok := e.Payload.(*StatePayload); !ok {
			return invalid("payload", "expected state payload")
		}
	case TypeAck:
		p, ok := e.Payload.(*AckPayload)
		if !ok {
			return invalid("payload", "expected ack payload")
		}
		switch p.Status {
		case AckReceived, AckCompleted, AckFailed, AckTimeout, AckRejected:
		default:
			return invalid("payload.status", "unknown ack status %q", p.Status)
		}
		if p.CommandID == "" {
			return invalid("payload.commandId", "must not be empty")
		}
	case TypeError:
		p, ok := e.Payload.(*ErrorPayload)
		if !ok {
			return invalid("payload", "expected error payload")
		}
		if p.Code == "" {
			return invalid("payload.code", "must not be empty")
		}
	case TypeSubscribe:
		p, ok := e.Payload.(*SubscribePayload)
		if !ok {
			return invalid("payload", "expected subscribe payload")
		}
		if len(p.Patterns) < minSubscribePatterns || len(p.Patterns) > maxSubscribePatterns {
			return invalid("payload.patterns", "length must be between %d and %d", minSubscribePatterns, maxSubscribePatterns)
		}
		switch p.Filter {
		case "", FilterState, FilterEvents, FilterAll:
		default:
			return invalid("payload.filter", "unknown filter %q", p.Filter)
		}
	case TypeUnsubscribe:
		p, ok := e.Payload.(*UnsubscribePayload)
		if !ok {
			return invalid("payload", "expected unsubscribe payload")
		}
		if len(p.Patterns) < minSubscribePatterns || len(p.Patterns) > maxSubscribePatterns {
			return invalid("payload.patterns", "length must be between %d and %d", minSubscribePatterns, maxSubscribePatterns)
		}
	}
	return nil
}
