package buffercache

// Params holds the tuning constants of the cache. The defaults reproduce the
// reference behavior; every value can be overridden from configuration.
type Params struct {
	// PageBits is the log2 of the tracking page size.
	PageBits uint
	// AddressBits bounds the guest address space.
	AddressBits uint

	// StreamLeapThreshold is the accumulated stream score above which an
	// overlap resolution over-allocates by StreamLeapPages pages.
	StreamLeapThreshold int
	StreamLeapPages     uint64

	GCTicks                uint64
	GCTicksAggressive      uint64
	GCIterations           int
	GCIterationsAggressive int

	// ExpectedMemory and CriticalMemory are the GC thresholds used when the
	// runtime cannot report device memory.
	ExpectedMemory uint64
	CriticalMemory uint64

	// SkipCacheSize is the largest uniform range eligible for the fast path.
	SkipCacheSize         uint32
	UniformHitNumerator   uint32
	UniformHitDenominator uint32

	// MaxStorageSize caps storage buffer sizes decoded from guest memory.
	MaxStorageSize uint32

	DestructionRingTicks int
	MaxResolveAttempts   int
}

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// DefaultParams returns the reference tuning.
func DefaultParams() Params {
	return Params{
		PageBits:               16,
		AddressBits:            39,
		StreamLeapThreshold:    16,
		StreamLeapPages:        256,
		GCTicks:                120,
		GCTicksAggressive:      60,
		GCIterations:           32,
		GCIterationsAggressive: 64,
		ExpectedMemory:         512 * mib,
		CriticalMemory:         1 * gib,
		SkipCacheSize:          4096,
		UniformHitNumerator:    251,
		UniformHitDenominator:  256,
		MaxStorageSize:         8 * mib,
		DestructionRingTicks:   8,
		MaxResolveAttempts:     64,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.PageBits == 0 {
		p.PageBits = d.PageBits
	}
	if p.AddressBits == 0 {
		p.AddressBits = d.AddressBits
	}
	if p.StreamLeapThreshold == 0 {
		p.StreamLeapThreshold = d.StreamLeapThreshold
	}
	if p.StreamLeapPages == 0 {
		p.StreamLeapPages = d.StreamLeapPages
	}
	if p.GCTicks == 0 {
		p.GCTicks = d.GCTicks
	}
	if p.GCTicksAggressive == 0 {
		p.GCTicksAggressive = d.GCTicksAggressive
	}
	if p.GCIterations == 0 {
		p.GCIterations = d.GCIterations
	}
	if p.GCIterationsAggressive == 0 {
		p.GCIterationsAggressive = d.GCIterationsAggressive
	}
	if p.ExpectedMemory == 0 {
		p.ExpectedMemory = d.ExpectedMemory
	}
	if p.CriticalMemory == 0 {
		p.CriticalMemory = d.CriticalMemory
	}
	if p.UniformHitDenominator == 0 {
		p.UniformHitNumerator = d.UniformHitNumerator
		p.UniformHitDenominator = d.UniformHitDenominator
	}
	if p.MaxStorageSize == 0 {
		p.MaxStorageSize = d.MaxStorageSize
	}
	if p.DestructionRingTicks <= 0 {
		p.DestructionRingTicks = d.DestructionRingTicks
	}
	if p.MaxResolveAttempts <= 0 {
		p.MaxResolveAttempts = d.MaxResolveAttempts
	}
	return p
}
