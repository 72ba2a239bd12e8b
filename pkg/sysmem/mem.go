// Package sysmem reports physical memory so volume storage can be chosen by
// size: volumes that fit comfortably in RAM are held in memory, larger ones
// are memory-mapped.
package sysmem

// DefaultMemoryBytes is the fallback (4 GiB) when the platform cannot be
// queried.
const DefaultMemoryBytes uint64 = 4 * 1024 * 1024 * 1024

// Result is one memory reading.
type Result struct {
	// TotalBytes is physical RAM.
	TotalBytes uint64
	// AvailableBytes is RAM currently free for new allocations, or 0 when
	// the platform does not report it.
	AvailableBytes uint64
	// Reliable is false when TotalBytes is DefaultMemoryBytes.
	Reliable bool
}

// Total queries the platform, falling back to DefaultMemoryBytes.
func Total() Result {
	total, avail, ok := systemMemory()
	if !ok || total == 0 {
		return Result{TotalBytes: DefaultMemoryBytes}
	}
	if avail > total {
		avail = total
	}
	return Result{TotalBytes: total, AvailableBytes: avail, Reliable: true}
}

// TotalBytes returns Total().TotalBytes.
func TotalBytes() uint64 {
	return Total().TotalBytes
}
