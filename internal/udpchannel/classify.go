package udpchannel

import (
	"encoding/json"
	"strings"
)

// classified is the result of parsing one inbound datagram.
type classified struct {
	raw         string
	payload     map[string]any
	isJSON      bool
	hasID       bool
	hasTchToken bool
	isBroadcast bool
	isCommand   bool
}

func hasTchToken(s string) bool {
	return strings.Contains(s, "TCH-OK") || strings.Contains(s, "TCH-ERR")
}

// classify implements the datagram classification table: every inbound
// datagram is decoded as UTF-8, trimmed, and routed to broadcast and/or
// command consumers. JSON telegrams carrying an ID are poll replies - they
// must reach the command path so the transport can resolve the matching
// pending request, and are also handed to broadcast consumers, so any
// Plug or State value a report reply carries reaches the broadcast
// listener as well. JSON telegrams without an ID are
// unsolicited device state and must never be allowed to resolve a pending
// request. TCH-OK/TCH-ERR tokens are command acknowledgements and always
// reach the command path, whether or not they happen to be wrapped in JSON.
// Anything that isn't valid JSON is assumed to be a bare command reply.
func classify(raw string) classified {
	trimmed := strings.TrimSpace(raw)
	c := classified{raw: trimmed}

	if !strings.HasPrefix(trimmed, "{") {
		c.hasTchToken = hasTchToken(trimmed)
		c.isCommand = true
		return c
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		c.hasTchToken = hasTchToken(trimmed)
		c.isCommand = true
		return c
	}

	c.isJSON = true
	c.payload = payload
	_, c.hasID = payload["ID"]
	c.hasTchToken = hasTchToken(trimmed)

	switch {
	case c.hasID:
		c.isBroadcast = true
		c.isCommand = true
	case c.hasTchToken:
		c.isBroadcast = true
		c.isCommand = true
	default:
		c.isBroadcast = true
		c.isCommand = false
	}
	return c
}
