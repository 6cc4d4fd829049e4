package router

import (
	"strings"
	"sync"
	"time"

	"bridgehub/internal/envelope"
)

// pendingCommand es la entidad "Pending command" de spec.md §3: un
// comando en vuelo, indexado por message.ID hasta que llega su ack
// terminal o se cumple su timeout.
type pendingCommand struct {
	message        *envelope.Envelope
	sentAt         int64
	timer          *time.Timer
	idempotencyKey string
}

type pendingTable struct {
	mu   sync.Mutex
	byID map[string]*pendingCommand
}

func newPendingTable() *pendingTable {
	return &pendingTable{byID: make(map[string]*pendingCommand)}
}

func (t *pendingTable) insert(p *pendingCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[p.message.ID] = p
}

// remove retorna y elimina la entrada, cancelando su timer si tenía uno
// armado.
func (t *pendingTable) remove(id string) (*pendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

func (t *pendingTable) get(id string) (*pendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	return p, ok
}

// removeByTarget retorna todos los comandos pendientes cuyo target
// resuelve al namespace dado — coincidencia exacta, o namespace como
// prefijo de segmento (targetRegistry.find aplica la misma regla al
// despachar, así que un comando dirigido a "companion.satellite" debe
// cancelarse cuando se desregistra el target "companion") — eliminándolos
// de la tabla (usado al desregistrar un target, spec.md §4.4
// "unregisterTarget").
func (t *pendingTable) removeByTarget(namespace string) []*pendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*pendingCommand
	for id, p := range t.byID {
		if p.message.Target == namespace || strings.HasPrefix(p.message.Target, namespace+".") {
			if p.timer != nil {
				p.timer.Stop()
			}
			out = append(out, p)
			delete(t.byID, id)
		}
	}
	return out
}

// drain vacía la tabla entera, cancelando todos los timers (usado en
// shutdown).
func (t *pendingTable) drain() []*pendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*pendingCommand, 0, len(t.byID))
	for id, p := range t.byID {
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
		delete(t.byID, id)
	}
	return out
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
