package upstream

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// encPercent codifica un valor textual para viajar como un único token de
// línea (spec.md §4.5: "argument encoding for textual values uses
// percent-encoding").
func encPercent(s string) string {
	return url.PathEscape(s)
}

func decPercent(s string) string {
	v, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return v
}

// --- Constructores de frames salientes ---

func encodeBegin(deviceID, productName string, keysPerRow, keysTotal, bitmapSize int) string {
	return fmt.Sprintf("BEGIN %s %s %d %d %d",
		deviceID, encPercent(productName), keysPerRow, keysTotal, bitmapSize)
}

func encodeKeyPress(deviceID string, keyIndex int, pressed bool) string {
	state := "RELEASED"
	if pressed {
		state = "PRESSED"
	}
	return fmt.Sprintf("KEY-PRESS %s %d %s", deviceID, keyIndex, state)
}

func encodeKeyRotate(deviceID string, keyIndex, direction int) string {
	return fmt.Sprintf("KEY-ROTATE %s %d %d", deviceID, keyIndex, direction)
}

func encodeKeysClear(deviceID string) string {
	return fmt.Sprintf("KEYS-CLEAR %s", deviceID)
}

func encodeVariableValue(name, value string) string {
	return fmt.Sprintf("VARIABLE-VALUE %s=%s", name, encPercent(value))
}

func encodePing() string {
	return "PING"
}

// --- Decodificación de frames entrantes ---

// inboundFrame es un frame ya partido en comando + argumentos crudos (sin
// decodificar: cada manejador decide qué argumentos llevan percent-
// encoding).
type inboundFrame struct {
	Command string
	Args    []string
}

func parseLine(line string) (inboundFrame, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return inboundFrame{}, false
	}
	return inboundFrame{Command: fields[0], Args: fields[1:]}, true
}

// keyState representa los tags acumulados de un único frame KEY-STATE
// (spec.md §4.5: "COLOR:<hex>", "TEXT:<percent-encoded>", "BITMAP:<base64>",
// más los tokens desnudos PRESSED/RELEASED).
type keyState struct {
	Color   string
	Text    string
	Bitmap  string
	Pressed *bool
}

func parseKeyStateTags(tags []string) keyState {
	var ks keyState
	for _, tag := range tags {
		switch {
		case strings.HasPrefix(tag, "COLOR:"):
			ks.Color = strings.TrimPrefix(tag, "COLOR:")
		case strings.HasPrefix(tag, "TEXT:"):
			ks.Text = decPercent(strings.TrimPrefix(tag, "TEXT:"))
		case strings.HasPrefix(tag, "BITMAP:"):
			ks.Bitmap = strings.TrimPrefix(tag, "BITMAP:")
		case tag == "PRESSED":
			v := true
			ks.Pressed = &v
		case tag == "RELEASED":
			v := false
			ks.Pressed = &v
		default:
			// Tag desconocido: ignorado.
		}
	}
	return ks
}

func (ks keyState) asMap() map[string]interface{} {
	m := map[string]interface{}{}
	if ks.Color != "" {
		m["color"] = ks.Color
	}
	if ks.Text != "" {
		m["text"] = ks.Text
	}
	if ks.Bitmap != "" {
		m["bitmap"] = ks.Bitmap
	}
	if ks.Pressed != nil {
		m["pressed"] = *ks.Pressed
	}
	return m
}

// parseVariableTokens interpreta los tokens "name=percent-encoded-value"
// de un frame VARIABLES-UPDATE, preservando el orden de aparición.
func parseVariableTokens(args []string) []variableUpdate {
	out := make([]variableUpdate, 0, len(args))
	for _, tok := range args {
		idx := strings.IndexByte(tok, '=')
		if idx < 0 {
			continue
		}
		name := tok[:idx]
		value := decPercent(tok[idx+1:])
		out = append(out, variableUpdate{Name: name, Value: value})
	}
	return out
}

type variableUpdate struct {
	Name  string
	Value string
}

// sanitizeVariableName aplica la transformación de spec.md §4.5: minúsculas,
// caracteres fuera de [a-z0-9_] sustituidos por '_'.
func sanitizeVariableName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func parseIntArg(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
