package simulated

import "sync"

// A RegisterFile is a sparse 32-bit register space with write taps. Taps run
// synchronously on the writing goroutine, after the store is visible, which
// is how the simulated engine observes ring tail and PTE aperture writes.
type RegisterFile struct {
	mu   sync.Mutex
	regs map[uint32]uint32
	w1c  map[uint32]bool
	taps []func(offset, val uint32)
}

// NewRegisterFile creates an empty register file.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{
		regs: make(map[uint32]uint32),
		w1c:  make(map[uint32]bool),
	}
}

// MarkWriteOneToClear gives the register at offset hardware
// write-one-to-clear behavior, as interrupt identity registers have.
func (r *RegisterFile) MarkWriteOneToClear(offset uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.w1c[offset] = true
}

// AddWriteTap registers a function invoked after every 32-bit store.
func (r *RegisterFile) AddWriteTap(tap func(offset, val uint32)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.taps = append(r.taps, tap)
}

// Read32 returns the register at offset; unwritten registers read as zero.
func (r *RegisterFile) Read32(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.regs[offset]
}

// Write32 stores val at offset and fires the write taps.
func (r *RegisterFile) Write32(offset uint32, val uint32) {
	r.mu.Lock()
	if r.w1c[offset] {
		r.regs[offset] &^= val
	} else {
		r.regs[offset] = val
	}
	taps := r.taps
	r.mu.Unlock()

	for _, tap := range taps {
		tap(offset, val)
	}
}

// Read64 reads two adjacent 32-bit registers as one little-endian value.
func (r *RegisterFile) Read64(offset uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(r.regs[offset]) | uint64(r.regs[offset+4])<<32
}

// Write64 stores val across two adjacent 32-bit registers. Taps fire once,
// for the low half, after both halves are visible.
func (r *RegisterFile) Write64(offset uint32, val uint64) {
	r.mu.Lock()
	r.regs[offset] = uint32(val)
	r.regs[offset+4] = uint32(val >> 32)
	taps := r.taps
	r.mu.Unlock()

	for _, tap := range taps {
		tap(offset, uint32(val))
	}
}

// poke stores a value without firing taps. The simulated hardware uses it to
// publish status the driver polls.
func (r *RegisterFile) poke(offset uint32, val uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.regs[offset] = val
}

// OrInto sets bits in a register without firing taps.
func (r *RegisterFile) OrInto(offset uint32, bits uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.regs[offset] |= bits
}
