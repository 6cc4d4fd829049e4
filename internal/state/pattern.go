// Package state implementa el almacén de estado: un mapa versionado,
// owner-scoped, consultable por patrón, que notifica deltas a los
// listeners instalados sobre él (spec.md §4.2).
package state

import (
	"regexp"
	"strings"
)

// CompilePattern traduce un patrón de suscripción a una expresión regular
// anclada: '*' coincide con exactamente un segmento ([^.]+), '**'
// coincide con cero o más segmentos (.*), los puntos son literales y
// cualquier otro metacarácter de regex presente en el patrón se toma
// literalmente (spec.md §4.2).
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(`\.`)
		}
		switch seg {
		case "**":
			b.WriteString(".*")
		case "*":
			b.WriteString(`[^.]+`)
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}
