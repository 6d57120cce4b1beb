package internal

import (
	"fmt"

	"github.com/rs/zerolog"
)

// MemoryGuard refuses new pages when the cgroup headroom drops below a
// minimum. Pages already stored are never released, so a long harvest is
// stopped request by request instead of being killed by the kernel.
type MemoryGuard struct {
	minHeadroom int64
	readStats   func() Memory
	log         zerolog.Logger
}

// NewMemoryGuard returns nil when headroomMB is 0, a nil guard allows
// everything.
func NewMemoryGuard(headroomMB int) *MemoryGuard {
	if headroomMB <= 0 {
		return nil
	}
	return &MemoryGuard{
		minHeadroom: int64(headroomMB) * 1000 * 1000,
		readStats:   ReadMemoryStats,
		log:         componentLogger("memory-guard"),
	}
}

func (g *MemoryGuard) Assert() error {
	if g == nil {
		return nil
	}
	mem := g.readStats()
	if mem.Max <= 0 {
		g.log.Debug().Msg("MemoryGuard: no memory stats available")
		return nil
	}
	headroom := mem.Max - mem.Current
	g.log.Debug().Msg(fmt.Sprintf("MemoryGuard: headroom: %v (min: %v)", headroom, g.minHeadroom))
	if headroom < g.minHeadroom {
		g.log.Warn().Int64("headroom", headroom).Msg("MemoryGuard: headroom too low, refusing next page")
		return ErrHeadroom
	}
	return nil
}
