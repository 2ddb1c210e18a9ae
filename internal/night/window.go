package night

import (
	"fmt"
	"time"

	"github.com/evhome/chargectl/internal/store"
)

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return h*60 + m, nil
}

// inWindow reports whether now falls in [start, end), wrapping across
// midnight when end < start (an overnight window like 22:00-06:00).
func inWindow(schedule store.NightChargingSchedule, now time.Time) (bool, error) {
	start, err := parseClock(schedule.StartTime)
	if err != nil {
		return false, err
	}
	end, err := parseClock(schedule.EndTime)
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()

	if start == end {
		return false, nil
	}
	if start < end {
		return cur >= start && cur < end, nil
	}
	return cur >= start || cur < end, nil
}
