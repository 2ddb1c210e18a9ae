package wallbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReply_JSON(t *testing.T) {
	r := parseReply(`{"ID": 2, "State": 3, "Max curr": 16000}`)
	v, ok := r.Float("ID")
	assert.True(t, ok)
	assert.Equal(t, float64(2), v)
	assert.True(t, r.Has("State"))
}

func TestParseReply_BareTchOk(t *testing.T) {
	r := parseReply("TCH-OK :done")
	assert.True(t, r.OK)
	assert.Empty(t, r.Err)
}

func TestParseReply_BareTchErr(t *testing.T) {
	r := parseReply("TCH-ERR :invalid param")
	assert.False(t, r.OK)
	assert.Equal(t, "invalid param", r.Err)
}

func TestParseReply_KeyValueFallback(t *testing.T) {
	r := parseReply("Product=TCH-1;Serial=12345;Firmware=1.2.3")
	v, ok := r.Float("Serial")
	assert.True(t, ok)
	assert.Equal(t, float64(12345), v)
	s, ok := r.Fields["Product"].(string)
	assert.True(t, ok)
	assert.Equal(t, "TCH-1", s)
}

func TestValidates_ReportRequiresMatchingIDAndField(t *testing.T) {
	good := parseReply(`{"ID": 2, "State": 3}`)
	assert.True(t, validates("report 2", good))

	wrongID := parseReply(`{"ID": 3, "State": 3}`)
	assert.False(t, validates("report 2", wrongID))

	missingField := parseReply(`{"ID": 2}`)
	assert.False(t, validates("report 2", missingField))

	unsolicited := parseReply(`{"Plug": 7}`)
	assert.False(t, validates("report 2", unsolicited))
}

func TestValidates_EnaCurrRequireTchOk(t *testing.T) {
	ok := parseReply("TCH-OK :done")
	assert.True(t, validates("ena 1", ok))
	assert.True(t, validates("curr 16000", ok))

	bad := parseReply(`{"Plug": 7}`)
	assert.False(t, validates("ena 1", bad))
}

func TestValidates_ReportOneRequiresIdentityFields(t *testing.T) {
	assert.True(t, validates("report 1", parseReply(`{"ID":1,"Product":"x","Serial":1,"Firmware":"y"}`)))
	assert.False(t, validates("report 1", parseReply(`{"ID":1,"Unrelated":1}`)))
}

func TestValidates_UnlistedCommandAcceptsAnyPayload(t *testing.T) {
	assert.True(t, validates("factory-reset", parseReply(`{"whatever":1}`)))
}
