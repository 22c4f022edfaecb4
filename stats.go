package imx

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/imxstore/imx/internal/sink"
)

// Statistics is an eventually-consistent view of allocator counters
// plus the tiered controller's current state. Counters are updated
// under the allocator lock; derived quantities such as Fragmentation
// and UsagePercent are computed on demand rather than tracked
// incrementally.
type Statistics struct {
	RAMSectorsTotal    int
	RAMSectorsUsed     int
	RAMSectorsFree     int
	RAMSectorsPeak     int
	AllocationFailures uint64
	Fragmentation      float64
	TierState          string
	FlushProgress      int
}

// UsagePercent returns the RAM pool's occupancy as a percentage.
func (s Statistics) UsagePercent() float64 {
	if s.RAMSectorsTotal == 0 {
		return 0
	}
	return 100 * float64(s.RAMSectorsUsed) / float64(s.RAMSectorsTotal)
}

// String renders the snapshot in a terse, humanized one-line summary
// suitable for CLI output.
func (s Statistics) String() string {
	return fmt.Sprintf(
		"ram sectors: %s/%s used (%.1f%%, peak %s) | alloc failures: %d | fragmentation: %.3f | tier: %s (progress %d)",
		humanize.Comma(int64(s.RAMSectorsUsed)),
		humanize.Comma(int64(s.RAMSectorsTotal)),
		s.UsagePercent(),
		humanize.Comma(int64(s.RAMSectorsPeak)),
		s.AllocationFailures,
		s.Fragmentation,
		s.TierState,
		s.FlushProgress,
	)
}

// Statistics returns a snapshot of current allocator and tier state.
func (e *Engine) Statistics() Statistics {
	st := e.pool.Statistics()
	return Statistics{
		RAMSectorsTotal:    st.Total,
		RAMSectorsUsed:     st.Used,
		RAMSectorsFree:     st.Free,
		RAMSectorsPeak:     st.Peak,
		AllocationFailures: st.AllocationFailures,
		Fragmentation:      e.pool.Fragmentation(),
		TierState:          e.tier.State().String(),
		FlushProgress:      e.tier.Progress(),
	}
}

func allocationFailureEvent(sensorID uint32) sink.Event {
	return sink.Event{
		Type:     sink.EventAllocationFailure,
		Time:     time.Now(),
		SensorID: sensorID,
		HaveSID:  true,
		Message:  "RAM sector allocation failed: SAT exhausted",
	}
}
