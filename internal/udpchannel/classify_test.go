package udpchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_JSONWithIDReachesBroadcastAndCommand(t *testing.T) {
	c := classify(`{"ID": 2, "State": 3, "Power": 1420}`)
	assert.True(t, c.isJSON)
	assert.True(t, c.hasID)
	assert.True(t, c.isBroadcast)
	assert.True(t, c.isCommand)
}

func TestClassify_JSONWithoutIDIsBroadcastOnly(t *testing.T) {
	c := classify(`{"Plug": 7, "State": 3}`)
	assert.True(t, c.isJSON)
	assert.False(t, c.hasID)
	assert.True(t, c.isBroadcast)
	assert.False(t, c.isCommand)
}

func TestClassify_TchTokenInsideJSONReachesBoth(t *testing.T) {
	c := classify(`{"TCH-OK": "curr"}`)
	assert.True(t, c.isJSON)
	assert.True(t, c.hasTchToken)
	assert.True(t, c.isBroadcast)
	assert.True(t, c.isCommand)
}

func TestClassify_BareTchTokenIsCommandOnly(t *testing.T) {
	c := classify("TCH-OK:done")
	assert.False(t, c.isJSON)
	assert.True(t, c.hasTchToken)
	assert.False(t, c.isBroadcast)
	assert.True(t, c.isCommand)
}

func TestClassify_MalformedJSONIsCommandOnly(t *testing.T) {
	c := classify(`{not json`)
	assert.False(t, c.isJSON)
	assert.False(t, c.isBroadcast)
	assert.True(t, c.isCommand)
}

func TestClassify_TrimsWhitespace(t *testing.T) {
	c := classify("  TCH-ERR:bad\r\n")
	assert.Equal(t, "TCH-ERR:bad", c.raw)
	assert.True(t, c.hasTchToken)
}
