// Package membudget decides where volumes live. A Budget caps the bytes of
// volume payload held in process memory at once; a volume that does not fit
// the remaining budget is memory-mapped instead.
package membudget

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/eunmann/ctvol/pkg/sysmem"
)

// DefaultBudgetBytes is the fallback budget when system RAM cannot be detected.
const DefaultBudgetBytes uint64 = 2 * 1024 * 1024 * 1024

// BudgetSource indicates how the budget was determined.
type BudgetSource string

const (
	// BudgetSourceAuto50Pct is 50% of detected RAM.
	BudgetSourceAuto50Pct BudgetSource = "auto-50pct"
	// BudgetSourceDefault is DefaultBudgetBytes.
	BudgetSourceDefault BudgetSource = "default"
	// BudgetSourceConfig is an explicit value from flags, env or file.
	BudgetSourceConfig BudgetSource = "config"
)

// Mode is the requested storage policy.
type Mode string

const (
	// ModeAuto keeps a volume in memory while it fits the budget.
	ModeAuto Mode = "auto"
	// ModeMemory always keeps volumes in memory.
	ModeMemory Mode = "memory"
	// ModeMapped always memory-maps volumes.
	ModeMapped Mode = "mapped"
)

// ParseMode parses auto, memory or mapped. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeMemory, ModeMapped:
		return Mode(s), nil
	default:
		return ModeAuto, fmt.Errorf("unknown storage mode %q (want auto, memory or mapped)", s)
	}
}

// Budget tracks in-memory volume payload. Budget is safe for concurrent use.
type Budget struct {
	total  uint64
	inUse  atomic.Uint64
	source BudgetSource
}

// Config holds configuration for creating a Budget.
type Config struct {
	// TotalBytes is the budget. Zero derives it from system RAM.
	TotalBytes uint64
	// Source records how TotalBytes was chosen.
	Source BudgetSource
}

// New creates a Budget. A zero TotalBytes behaves like NewFromSystemRAM.
func New(cfg Config) *Budget {
	if cfg.TotalBytes == 0 {
		return NewFromSystemRAM()
	}
	src := cfg.Source
	if src == "" {
		src = BudgetSourceConfig
	}
	return &Budget{total: cfg.TotalBytes, source: src}
}

// NewFromSystemRAM creates a Budget of 50% of system RAM, or
// DefaultBudgetBytes if RAM cannot be detected.
func NewFromSystemRAM() *Budget {
	r := sysmem.Total()
	if !r.Reliable {
		return &Budget{total: DefaultBudgetBytes, source: BudgetSourceDefault}
	}
	return &Budget{total: r.TotalBytes / 2, source: BudgetSourceAuto50Pct}
}

// Total returns the budget in bytes.
func (b *Budget) Total() uint64 { return b.total }

// InUse returns the reserved bytes.
func (b *Budget) InUse() uint64 { return b.inUse.Load() }

// Source returns how the budget was determined.
func (b *Budget) Source() BudgetSource { return b.source }

// Available returns Total minus InUse.
func (b *Budget) Available() uint64 {
	inUse := b.inUse.Load()
	if inUse >= b.total {
		return 0
	}
	return b.total - inUse
}

// TryReserve reserves n bytes if they fit.
func (b *Budget) TryReserve(n uint64) bool {
	for {
		cur := b.inUse.Load()
		if cur+n > b.total || cur+n < cur {
			return false
		}
		if b.inUse.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Release returns n reserved bytes. Releasing more than is reserved clamps
// at zero.
func (b *Budget) Release(n uint64) {
	for {
		cur := b.inUse.Load()
		next := uint64(0)
		if n < cur {
			next = cur - n
		}
		if b.inUse.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Placement is the storage chosen for one volume.
type Placement struct {
	// Mapped is true when the volume should be memory-mapped.
	Mapped bool
	// Reserved is the budget held for an in-memory volume. Pass it to
	// Release once the volume is released.
	Reserved uint64
}

// Place chooses storage for a volume with payload bytes under mode. Only
// ModeAuto consults and reserves budget.
func (b *Budget) Place(mode Mode, payload int64) Placement {
	switch mode {
	case ModeMemory:
		return Placement{}
	case ModeMapped:
		return Placement{Mapped: true}
	}
	n := uint64(max(payload, 0))
	if b.TryReserve(n) {
		return Placement{Reserved: n}
	}
	return Placement{Mapped: true}
}

// ParseSize parses a human-readable size such as "512MiB" or "4GB".
func ParseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n, nil
}

// FormatBytes formats n with binary units, e.g. "1.5 GiB".
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}

// Stats is a snapshot of the budget.
type Stats struct {
	TotalBytes     uint64
	InUseBytes     uint64
	AvailableBytes uint64
	Source         BudgetSource
}

// Stats returns a snapshot of the budget.
func (b *Budget) Stats() Stats {
	return Stats{
		TotalBytes:     b.total,
		InUseBytes:     b.InUse(),
		AvailableBytes: b.Available(),
		Source:         b.source,
	}
}
