// Package engine implements the render command streamer and the pieces that
// arbitrate and track its work: the FIFO context scheduler, the sequence
// number source, and the progress/hang-check state.
package engine

import "github.com/gpudrv/intelgen/cmdbuf"

// A Sequencer hands out the strictly increasing sequence numbers that tag
// each batch's position in submission order. 32-bit wraparound is not
// handled; at one submission per microsecond that is over an hour of
// uptime per billion submissions, and the original hardware generation
// never addressed it either.
type Sequencer struct {
	next uint32
}

// NewSequencer creates a sequencer whose first value follows the invalid
// sentinel.
func NewSequencer() *Sequencer {
	return &Sequencer{next: cmdbuf.InvalidSequenceNumber + 1}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint32 {
	seq := s.next
	s.next++

	return seq
}
