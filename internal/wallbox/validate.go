package wallbox

import (
	"strconv"
	"strings"
)

var reportFields = map[string][]string{
	"1": {"Product", "Serial", "Firmware"},
	"2": {"State", "Plug", "Max curr"},
	"3": {"U1", "I1", "P"},
}

// validates implements the per-command reply-acceptance rules: a reply that
// doesn't validate for the command currently in flight is silently ignored
// rather than surfaced, which is how spontaneous broadcasts sharing the
// report shape get dropped without corrupting the pending request.
func validates(cmd string, r Reply) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "report":
		if len(fields) < 2 {
			return false
		}
		n := fields[1]
		id, ok := r.Float("ID")
		if !ok {
			return false
		}
		if formatInt(id) != n {
			return false
		}
		return r.Has(reportFields[n]...)

	case "ena", "curr":
		return r.OK

	default:
		return true
	}
}

func formatInt(f float64) string {
	i := int64(f)
	if float64(i) != f {
		return ""
	}
	return strconv.FormatInt(i, 10)
}
