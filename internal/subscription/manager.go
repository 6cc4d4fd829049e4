// Package subscription implementa el registro de suscripciones descrito en
// spec.md §4.3: indexado por id de suscripción y por clientId, con
// matching por patrón compilado y seguimiento de snapshot entregado.
//
// Estructuralmente sigue a backend/internal/router/subscription_index.go y
// backend/internal/router/resolver.go de omniapi (doble índice bajo un
// único mutex, Add/Remove/RemoveByClient/FindMatching/GetByID/Count),
// generalizado de un filtro de dimensiones fijas (tenant/kind/farm/site/
// cage) a una lista de patrones de ruta comodín compilados.
package subscription

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"bridgehub/internal/envelope"
	"bridgehub/internal/errcode"
	"bridgehub/internal/metrics"
	"bridgehub/internal/state"
)

// Subscription representa una suscripción activa de un cliente (spec.md §3).
type Subscription struct {
	ID               string
	ClientID         string
	Patterns         []string
	CompiledPatterns []*regexp.Regexp
	Filter           envelope.Filter
	Snapshot         bool
	SnapshotSent     bool
	CreatedAt        int64
}

// MessageKind distingue, a efectos de filtrado, si un mensaje entregado a
// una suscripción proviene de una mutación de estado o de un evento.
type MessageKind string

const (
	KindState MessageKind = "state"
	KindEvent MessageKind = "event"
)

func (k MessageKind) admittedBy(f envelope.Filter) bool {
	switch f {
	case envelope.FilterState:
		return k == KindState
	case envelope.FilterEvents:
		return k == KindEvent
	default: // "" o "all"
		return true
	}
}

// Clock permite inyectar la fuente de tiempo en tests.
type Clock interface{ NowMillis() int64 }

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Manager es el registro de suscripciones.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*Subscription
	byClient  map[string]map[string]struct{}
	nextSeq   uint64
	clock     Clock
}

// NewManager crea un Manager vacío.
func NewManager(clock Clock) *Manager {
	if clock == nil {
		clock = systemClock{}
	}
	return &Manager{
		byID:     make(map[string]*Subscription),
		byClient: make(map[string]map[string]struct{}),
		clock:    clock,
	}
}

// Subscribe crea una nueva suscripción para clientId, compilando cada
// patrón una sola vez (spec.md §4.3, §9 "pattern matching under repeated
// use").
func (m *Manager) Subscribe(clientID string, patterns []string, filter envelope.Filter, snapshot bool) (*Subscription, error) {
	if len(patterns) == 0 {
		return nil, errcode.New(errcode.SubscriptionFailed, "at least one pattern is required")
	}

	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := state.CompilePattern(p)
		if err != nil {
			return nil, errcode.New(errcode.SubscriptionFailed, fmt.Sprintf("invalid pattern %q: %v", p, err))
		}
		compiled[i] = re
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	sub := &Subscription{
		ID:               fmt.Sprintf("%s-%d", clientID, m.nextSeq),
		ClientID:         clientID,
		Patterns:         patterns,
		CompiledPatterns: compiled,
		Filter:           filter,
		Snapshot:         snapshot,
		CreatedAt:        m.clock.NowMillis(),
	}

	m.byID[sub.ID] = sub
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]struct{})
	}
	m.byClient[clientID][sub.ID] = struct{}{}
	metrics.SubscriptionsActive.Inc()

	return sub, nil
}

// Unsubscribe elimina una suscripción por id.
func (m *Manager) Unsubscribe(subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byID[subscriptionID]
	if !ok {
		return errcode.New(errcode.SubscriptionFailed, "unknown subscription "+subscriptionID)
	}

	delete(m.byID, subscriptionID)
	if set, ok := m.byClient[sub.ClientID]; ok {
		delete(set, subscriptionID)
		if len(set) == 0 {
			delete(m.byClient, sub.ClientID)
		}
	}
	metrics.SubscriptionsActive.Dec()
	return nil
}

// UnsubscribePatterns elimina, de entre las suscripciones de clientID,
// cualquier patrón cuyo string coincida exactamente con uno de patterns.
// Una suscripción cuyos patrones quedan vacíos tras el filtrado se elimina
// por completo. Retorna el número de ocurrencias de patrón removidas.
func (m *Manager) UnsubscribePatterns(clientID string, patterns []string) (int, error) {
	toRemove := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		toRemove[p] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.byClient[clientID]
	if !ok {
		return 0, nil
	}

	removed := 0
	for subID := range ids {
		sub := m.byID[subID]
		if sub == nil {
			continue
		}

		var keptPatterns []string
		var keptCompiled []*regexp.Regexp
		for i, p := range sub.Patterns {
			if _, match := toRemove[p]; match {
				removed++
				continue
			}
			keptPatterns = append(keptPatterns, p)
			keptCompiled = append(keptCompiled, sub.CompiledPatterns[i])
		}

		if len(keptPatterns) == 0 {
			delete(m.byID, subID)
			delete(ids, subID)
			metrics.SubscriptionsActive.Dec()
		} else {
			sub.Patterns = keptPatterns
			sub.CompiledPatterns = keptCompiled
		}
	}
	if len(ids) == 0 {
		delete(m.byClient, clientID)
	}

	return removed, nil
}

// UnsubscribeClient elimina todas las suscripciones de clientID.
func (m *Manager) UnsubscribeClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byClient[clientID]
	for subID := range ids {
		delete(m.byID, subID)
		metrics.SubscriptionsActive.Dec()
	}
	delete(m.byClient, clientID)
}

// Match empareja una suscripción coincidente con el primer patrón que hizo
// coincidir (determinístico por orden de inserción dentro de la
// suscripción, spec.md §4.3).
type Match struct {
	Subscription   *Subscription
	MatchedPattern string
}

// GetMatchingSubscriptions retorna, como mucho una vez cada una, las
// suscripciones cuyo filtro admite kind y al menos uno de cuyos patrones
// compilados coincide con path.
func (m *Manager) GetMatchingSubscriptions(path string, kind MessageKind) []Match {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	// Orden determinístico de iteración para resultados estables en tests.
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sub := m.byID[id]
		if !kind.admittedBy(sub.Filter) {
			continue
		}
		for i, re := range sub.CompiledPatterns {
			if re.MatchString(path) {
				matches = append(matches, Match{Subscription: sub, MatchedPattern: sub.Patterns[i]})
				break
			}
		}
	}
	return matches
}

// MarkSnapshotSent marca que el snapshot inicial de una suscripción ya fue
// entregado.
func (m *Manager) MarkSnapshotSent(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.byID[subscriptionID]; ok {
		sub.SnapshotSent = true
	}
}

// Get retorna la suscripción por id, o nil si no existe.
func (m *Manager) Get(subscriptionID string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[subscriptionID]
}

// Count retorna el número total de suscripciones activas.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// CountForClient retorna el número de suscripciones activas de un cliente.
func (m *Manager) CountForClient(clientID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byClient[clientID])
}
