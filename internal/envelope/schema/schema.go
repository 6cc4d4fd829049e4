// Package schema provee una capa de validación estructural secundaria sobre
// los payloads del envelope, usando JSON Schema. Es deliberadamente más
// laxa que internal/envelope.Validate (que aplica las reglas exactas de
// tamaño/rango/regex de spec.md): su rol es detectar payloads con forma
// groseramente incorrecta antes de que lleguen al decodificador tipado,
// tal como backend/internal/schema/schema.go hace para los conectores de
// omniapi — aquí los documentos de esquema van embebidos con go:embed en
// vez de cargarse desde configs/schemas/*.json, porque este repositorio no
// tiene un árbol configs/.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed *.json
var embedded embed.FS

// Manager compila y cachea los esquemas embebidos, uno por tipo de mensaje.
type Manager struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewManager carga y compila todos los esquemas embebidos.
func NewManager() (*Manager, error) {
	m := &Manager{schemas: make(map[string]*gojsonschema.Schema)}
	entries, err := embedded.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schemas: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := embedded.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", entry.Name(), err)
		}
		loader := gojsonschema.NewBytesLoader(data)
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", entry.Name(), err)
		}
		name := entry.Name()
		m.schemas[name[:len(name)-len(".json")]] = compiled
	}

	return m, nil
}

// ValidationResult resume el resultado de una validación estructural.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate valida un payload crudo (ya serializado a JSON) contra el
// esquema registrado para messageType. Un tipo sin esquema registrado se
// considera válido (no todas las variantes necesitan un esquema JSON).
func (m *Manager) Validate(messageType string, payload []byte) (*ValidationResult, error) {
	m.mu.RLock()
	s, ok := m.schemas[messageType]
	m.mu.RUnlock()
	if !ok {
		return &ValidationResult{Valid: true}, nil
	}

	var asMap interface{}
	if err := json.Unmarshal(payload, &asMap); err != nil {
		return nil, fmt.Errorf("payload is not valid json: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(asMap))
	if err != nil {
		return nil, fmt.Errorf("validating against schema %s: %w", messageType, err)
	}

	vr := &ValidationResult{Valid: result.Valid()}
	for _, e := range result.Errors() {
		vr.Errors = append(vr.Errors, e.String())
	}
	return vr, nil
}
