package envelope

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// NewID genera un identificador UUIDv7: los 48 bits altos codifican
// milisegundos unix (vía clock, inyectable en tests), el nibble siguiente es
// la etiqueta de versión 0x7, el resto — salvo los bits de variante — es
// aleatorio criptográfico. Nunca se debilita por debajo de 74 bits
// efectivos de aleatoriedad (spec.md §4.1).
func NewID(clock Clock) (string, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	var id [16]byte
	ms := uint64(clock.NowMillis())

	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	if _, err := rand.Read(id[6:]); err != nil {
		return "", err
	}

	// Nibble alto del byte 6: versión 7.
	id[6] = (id[6] & 0x0f) | 0x70
	// Dos bits altos del byte 8: variante RFC 4122 (10xxxxxx).
	id[8] = (id[8] & 0x3f) | 0x80

	u, err := uuid.FromBytes(id[:])
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
