package task

import (
	"math"
	"runtime"
	"runtime/debug"

	"github.com/phrazzld/scry-batch/internal/domain"
)

// MemoryStats is a snapshot of process memory in bytes.
type MemoryStats struct {
	Limit     uint64
	Used      uint64
	Available uint64
}

// Utilization is Used/Limit, or 0 when the limit is unknown.
func (m MemoryStats) Utilization() float64 {
	if m.Limit == 0 {
		return 0
	}
	return float64(m.Used) / float64(m.Limit)
}

// MemoryProbe reports current memory figures.
type MemoryProbe func() MemoryStats

// RuntimeMemoryProbe reads the Go runtime's heap usage against the soft
// memory limit, or against budget bytes when no limit is set.
func RuntimeMemoryProbe(budget uint64) MemoryProbe {
	return func() MemoryStats {
		limit := budget
		if l := debug.SetMemoryLimit(-1); l > 0 && l != math.MaxInt64 && (limit == 0 || uint64(l) < limit) {
			limit = uint64(l)
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		st := MemoryStats{Limit: limit, Used: ms.HeapInuse}
		if st.Limit > st.Used {
			st.Available = st.Limit - st.Used
		}
		return st
	}
}

// Number of items sampled when estimating per-item memory.
const sizingSample = 10

// Processing an item is assumed to need about this many times its content size.
const itemMemoryFactor = 4

// OptimalBatchSize shrinks def under memory pressure. Above 70% utilization
// the size drops to a quarter, above 50% to a half, and it never exceeds what
// fits in half of the available memory. The result is at least 1.
func OptimalBatchSize(def int, sample []domain.Item, probe MemoryProbe) int {
	if def < 1 {
		def = 1
	}
	if probe == nil {
		return def
	}
	st := probe()
	if st.Limit == 0 {
		return def
	}

	size := def
	switch u := st.Utilization(); {
	case u > 0.7:
		size = def / 4
	case u > 0.5:
		size = def / 2
	}

	if perItem := estimateItemBytes(sample); perItem > 0 {
		fits := st.Available / 2 / perItem
		if fits < uint64(size) {
			size = int(fits)
		}
	}
	return max(size, 1)
}

func estimateItemBytes(sample []domain.Item) uint64 {
	if len(sample) > sizingSample {
		sample = sample[:sizingSample]
	}
	if len(sample) == 0 {
		return 0
	}
	var total int
	for _, item := range sample {
		total += len(item.Content) + len(item.Title)
	}
	return uint64(total/len(sample)) * itemMemoryFactor
}
