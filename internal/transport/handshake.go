package transport

import (
	"encoding/json"
	"time"

	gorilla "github.com/gorilla/websocket"
)

// protocolVersion is reported in handshake_response (spec.md §6).
const protocolVersion = "1.0.0"

// handshakeRequest is the first frame a client must send (spec.md §6).
type handshakeRequest struct {
	Type      string                 `json:"type"`
	Name      string                 `json:"name"`
	Version   string                 `json:"version"`
	AuthToken string                 `json:"authToken,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// handshakeResponse is what the server replies with (spec.md §6).
type handshakeResponse struct {
	Type          string `json:"type"`
	Success       bool   `json:"success"`
	SessionID     string `json:"sessionId,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	ServerVersion string `json:"serverVersion"`
	Error         string `json:"error,omitempty"`
}

type handshakeTimeoutErr struct{}

func (handshakeTimeoutErr) Error() string { return "handshake timeout" }

type handshakeInvalidJSONErr struct{ cause error }

func (e handshakeInvalidJSONErr) Error() string { return "invalid handshake json: " + e.cause.Error() }

type handshakeWrongTypeErr struct{ got string }

func (e handshakeWrongTypeErr) Error() string { return "first message must be handshake, got " + e.got }

// readHandshake reads and validates the mandatory first frame (spec.md §6):
// a JSON object `{type:"handshake", name, version, authToken?, metadata?}`
// read within HandshakeTimeout.
func (s *Server) readHandshake(conn *gorilla.Conn) (*handshakeRequest, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return nil, handshakeTimeoutErr{}
		}
		return nil, handshakeTimeoutErr{}
	}

	var req handshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, handshakeInvalidJSONErr{cause: err}
	}
	if req.Type != "handshake" {
		return nil, handshakeWrongTypeErr{got: req.Type}
	}
	if req.Name == "" {
		return nil, handshakeInvalidJSONErr{cause: errMissingName}
	}
	return &req, nil
}

var errMissingName = simpleError("handshake requires a non-empty name")

type simpleError string

func (e simpleError) Error() string { return string(e) }
