package router

// Stats mantiene estadísticas del router. El promedio móvil y el percentil
// 95 reutilizan el esquema de internal/router/types.go de omniapi
// (RouterStats.RecordRoutingTime/calculateP95): EWMA con alpha=0.1 y un
// buffer acotado ordenado por bubble sort, suficiente a la escala de
// muestras retenida.
type Stats struct {
	MessagesRouted    int64
	MessagesDropped   int64
	CommandsRouted    int64
	EventsRouted      int64
	StateDeltasRouted int64
	ErrorsEmitted     int64
	AvgRoutingTimeMs  float64
	RouteP95Ms        float64

	routingTimeSamples []float64
	maxSamples         int
}

const statsEWMAAlpha = 0.1

// recordRoutingTime agrega una muestra de tiempo de enrutamiento en
// milisegundos y recalcula el promedio y el P95.
func (s *Stats) recordRoutingTime(durationMs float64) {
	if s.routingTimeSamples == nil {
		s.routingTimeSamples = make([]float64, 0, 1000)
		s.maxSamples = 1000
	}

	s.routingTimeSamples = append(s.routingTimeSamples, durationMs)
	if len(s.routingTimeSamples) > s.maxSamples {
		s.routingTimeSamples = s.routingTimeSamples[len(s.routingTimeSamples)-s.maxSamples:]
	}

	if s.AvgRoutingTimeMs == 0 {
		s.AvgRoutingTimeMs = durationMs
	} else {
		s.AvgRoutingTimeMs = statsEWMAAlpha*durationMs + (1-statsEWMAAlpha)*s.AvgRoutingTimeMs
	}

	s.RouteP95Ms = s.calculateP95()
}

func (s *Stats) calculateP95() float64 {
	n := len(s.routingTimeSamples)
	if n == 0 {
		return 0
	}

	samples := make([]float64, n)
	copy(samples, s.routingTimeSamples)

	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			if samples[j] < samples[i] {
				samples[i], samples[j] = samples[j], samples[i]
			}
		}
	}

	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return samples[idx]
}

// Snapshot retorna una copia de los contadores exportables, sin el buffer
// interno de muestras.
func (s *Stats) Snapshot() Stats {
	cp := *s
	cp.routingTimeSamples = nil
	cp.maxSamples = 0
	return cp
}
