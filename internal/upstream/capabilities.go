package upstream

import "strings"

// Capabilities refleja lo que el dispositivo remoto anunció en su frame
// ADD-DEVICE (spec.md §4.5 "Capability tokens"). El adaptador arranca con
// valores por defecto conservadores y superpone lo detectado; tokens
// desconocidos se ignoran.
type Capabilities struct {
	APIVersion    string
	Variables     bool
	Rotation      bool
	VariableWrite bool
	KeyImages     bool
}

func defaultCapabilities() Capabilities {
	return Capabilities{}
}

// parseCapabilityTokens interpreta los tokens de un ADD-DEVICE, partiendo
// de las capacidades por defecto y superponiendo cada token reconocido.
func parseCapabilityTokens(tokens []string) Capabilities {
	caps := defaultCapabilities()
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "API:"):
			caps.APIVersion = strings.TrimPrefix(tok, "API:")
		case tok == "VARIABLES":
			caps.Variables = true
		case tok == "ROTATION":
			caps.Rotation = true
		case tok == "VARIABLE_WRITE":
			caps.VariableWrite = true
		case tok == "KEY_IMAGES":
			caps.KeyImages = true
		default:
			// Token desconocido: ignorado (spec.md §4.5).
		}
	}
	return caps
}

// asMap serializa las capacidades detectadas para publicarlas en
// "companion.capabilities".
func (c Capabilities) asMap() map[string]interface{} {
	return map[string]interface{}{
		"apiVersion":    c.APIVersion,
		"variables":     c.Variables,
		"rotation":      c.Rotation,
		"variableWrite": c.VariableWrite,
		"keyImages":     c.KeyImages,
	}
}
