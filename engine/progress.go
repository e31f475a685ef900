package engine

import (
	"log"
	"time"

	"github.com/gpudrv/intelgen/cmdbuf"
)

// HangcheckWindow is how long outstanding work may go without progress
// before the device treats the engine as hung.
const HangcheckWindow = time.Second

// GpuProgress tracks submitted versus completed hardware sequence numbers
// for backpressure and hang detection. Both counters are monotonically
// non-decreasing and submitted never trails completed.
type GpuProgress struct {
	lastSubmitted uint32
	lastCompleted uint32

	hangcheckStart time.Time
}

// NewGpuProgress creates a progress tracker with no outstanding work.
func NewGpuProgress() *GpuProgress {
	return &GpuProgress{
		lastSubmitted: cmdbuf.InvalidSequenceNumber,
		lastCompleted: cmdbuf.InvalidSequenceNumber,
	}
}

// Submitted records that seq was handed to hardware.
func (p *GpuProgress) Submitted(seq uint32, now time.Time) {
	if seq < p.lastSubmitted {
		log.Panicf("submitted sequence number went backwards: %d after %d",
			seq, p.lastSubmitted)
	}

	p.lastSubmitted = seq
	p.hangcheckStart = now
}

// Completed records the highest sequence number hardware has retired.
func (p *GpuProgress) Completed(seq uint32, now time.Time) {
	if seq < p.lastCompleted {
		return
	}

	p.lastCompleted = seq
	if p.lastSubmitted < p.lastCompleted {
		log.Panicf("completed %d ahead of submitted %d",
			p.lastCompleted, p.lastSubmitted)
	}

	p.hangcheckStart = now
}

// LastSubmitted returns the last submitted sequence number.
func (p *GpuProgress) LastSubmitted() uint32 { return p.lastSubmitted }

// LastCompleted returns the last completed sequence number.
func (p *GpuProgress) LastCompleted() uint32 { return p.lastCompleted }

// WorkOutstanding reports whether hardware still owes completions.
func (p *GpuProgress) WorkOutstanding() bool {
	return p.lastSubmitted != p.lastCompleted
}

// HangcheckTimeout returns how long the device thread may sleep before it
// must re-examine progress. With no outstanding work there is no deadline.
func (p *GpuProgress) HangcheckTimeout(now time.Time) (time.Duration, bool) {
	if !p.WorkOutstanding() {
		return 0, false
	}

	deadline := p.hangcheckStart.Add(HangcheckWindow)
	if !deadline.After(now) {
		return 0, true
	}

	return deadline.Sub(now), true
}
