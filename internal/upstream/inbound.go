package upstream

import (
	"fmt"
	"log"

	"bridgehub/internal/metrics"
)

// handleLine decodifica un frame entrante y lo despacha según el comando
// (spec.md §4.5, tabla de direcciones "in").
func (a *Adapter) handleLine(line string) {
	frame, ok := parseLine(line)
	if !ok {
		return
	}
	metrics.UpstreamFramesTotal.WithLabelValues("in", frame.Command).Inc()

	switch frame.Command {
	case "ADD-DEVICE":
		a.handleAddDevice(frame.Args)
	case "KEY-STATE":
		a.handleKeyState(frame.Args)
	case "VARIABLES-UPDATE":
		a.handleVariablesUpdate(frame.Args)
	case "BRIGHTNESS":
		a.handleBrightness(frame.Args)
	case "PONG":
		a.handlePong()
	case "ERROR":
		a.handleError(frame.Args)
	default:
		log.Printf("upstream: ignoring unknown inbound command %q", frame.Command)
	}
}

func (a *Adapter) handleAddDevice(args []string) {
	if len(args) < 1 {
		return
	}
	caps := parseCapabilityTokens(args[1:])

	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()

	a.store.Set("companion.capabilities", caps.asMap(), ownerNamespace)
}

func (a *Adapter) handleKeyState(args []string) {
	if len(args) < 2 {
		return
	}
	deviceID := args[0]
	keyIndex, ok := parseIntArg(args[1])
	if !ok {
		return
	}

	ks := parseKeyStateTags(args[2:])

	a.mu.Lock()
	if a.keyCache[deviceID] == nil {
		a.keyCache[deviceID] = make(map[int]keyState)
	}
	a.keyCache[deviceID][keyIndex] = ks
	a.mu.Unlock()

	path := fmt.Sprintf("companion.device.%s.key.%d", deviceID, keyIndex)
	a.store.Set(path, ks.asMap(), ownerNamespace)
}

func (a *Adapter) handleVariablesUpdate(args []string) {
	for _, v := range parseVariableTokens(args) {
		a.mu.Lock()
		a.variableCache[v.Name] = v.Value
		a.mu.Unlock()

		safe := sanitizeVariableName(v.Name)
		a.store.Set("companion.variables."+safe, v.Value, ownerNamespace)
	}
}

func (a *Adapter) handleBrightness(args []string) {
	if len(args) < 2 {
		return
	}
	deviceID := args[0]
	level, ok := parseIntArg(args[1])
	if !ok {
		return
	}
	path := fmt.Sprintf("companion.device.%s.brightness", deviceID)
	a.store.Set(path, level, ownerNamespace)
}

func (a *Adapter) handlePong() {
	now := a.clock.NowMillis()
	a.mu.Lock()
	if a.pendingPongAt != 0 {
		a.lastLatencyMs = now - a.pendingPongAt
		a.pendingPongAt = 0
	}
	latency := a.lastLatencyMs
	a.mu.Unlock()
	metrics.UpstreamHeartbeatLatencyMS.Set(float64(latency))
}

func (a *Adapter) handleError(args []string) {
	message := joinArgs(args)
	a.mu.Lock()
	a.errorCount++
	a.mu.Unlock()
	a.emitEvent("upstream_error", map[string]interface{}{"message": message})
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
