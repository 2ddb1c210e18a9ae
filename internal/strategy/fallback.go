package strategy

import (
	"context"
	"time"

	"github.com/evhome/chargectl/internal/store"
)

const fallbackTickInterval = 15 * time.Second

// LastSnapshotSource is implemented by an adapter over the inverter hub
// (liveDataSource in cmd/chargectl, wrapping Hub.LastLiveData); kept as a narrow
// interface here so the fallback ticker doesn't otherwise depend on the
// inverter package's shape beyond what it needs.
type LastSnapshotSource interface {
	Last() (live store.LiveData, ok bool)
}

// RunFallbackTicker fires an ordinary evaluation every 15s using whatever
// snapshot the hub last published, independent of the hub's own push
// cadence. It is not a substitute for the stabilization grace, which gates
// stop decisions specifically; this is just another evaluation trigger.
func RunFallbackTicker(ctx context.Context, c *Controller, source LastSnapshotSource) {
	ticker := time.NewTicker(fallbackTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if live, ok := source.Last(); ok {
				c.OnLiveData(ctx, live)
			}
		case <-ctx.Done():
			return
		}
	}
}
