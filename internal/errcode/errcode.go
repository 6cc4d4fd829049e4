// Package errcode define el conjunto exhaustivo de códigos de error que el
// hub puede emitir en un mensaje de tipo "error" o en un ack "failed".
package errcode

// Code es un código de error estable; el texto del mensaje que lo acompaña
// es orientado a humanos y puede cambiar sin romper a los consumidores.
type Code string

const (
	InvalidMessage      Code = "INVALID_MESSAGE"
	UnknownTarget       Code = "UNKNOWN_TARGET"
	Timeout             Code = "TIMEOUT"
	RateLimited         Code = "RATE_LIMITED"
	Unauthorized        Code = "UNAUTHORIZED"
	Forbidden           Code = "FORBIDDEN"
	AdapterError        Code = "ADAPTER_ERROR"
	StateConflict       Code = "STATE_CONFLICT"
	SubscriptionFailed  Code = "SUBSCRIPTION_FAILED"
	InternalError       Code = "INTERNAL_ERROR"
)

// Error adapta un Code a la interfaz error estándar, de forma que el resto
// del código pueda usar errors.Is/errors.As sin perder el código estable.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// New construye un *Error con el código y mensaje dados.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Is permite comparar por código con errors.Is(err, errcode.New(Code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
