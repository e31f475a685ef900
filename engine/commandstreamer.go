package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
	"github.com/gpudrv/intelgen/ringbuffer"
)

// Context image sizes in pages. The render engine's image carries
// substantially more state than the generic engines.
const (
	contextBufferPages       = 2
	renderContextBufferPages = 20
)

// submissionDwords is how many ring dwords one batch submission writes:
// batch start (3), sequence-number pipe control (6), user interrupt (1).
const submissionDwords = 10

// A CommandStreamer programs one hardware engine's ring to execute
// prepared command buffers and tracks its in-flight batches. All methods
// run on the device thread.
type CommandStreamer struct {
	id       hwcontext.EngineId
	mmioBase uint32

	dev  platform.Device
	mmio platform.Mmio
	ggtt *addrspace.AddressSpace

	sequencer  *Sequencer
	progress   *GpuProgress
	statusPage *HardwareStatusPage

	inflight      []*cmdbuf.CommandBuffer
	programmedCtx *hwcontext.Context

	hwInitialized bool
}

// Id returns the engine identifier.
func (s *CommandStreamer) Id() hwcontext.EngineId { return s.id }

// Progress returns the engine's progress tracker.
func (s *CommandStreamer) Progress() *GpuProgress { return s.progress }

// Sequencer returns the engine's sequence number source.
func (s *CommandStreamer) Sequencer() *Sequencer { return s.sequencer }

// StatusPage returns the engine's hardware status page.
func (s *CommandStreamer) StatusPage() *HardwareStatusPage { return s.statusPage }

// InFlight returns the batches submitted but not yet retired, in
// submission order.
func (s *CommandStreamer) InFlight() []*cmdbuf.CommandBuffer {
	return s.inflight
}

// InitContext lazily allocates a context's image buffer and ringbuffer for
// this engine.
func (s *CommandStreamer) InitContext(ctx *hwcontext.Context) error {
	pages := uint64(contextBufferPages)
	if s.id == hwcontext.RenderEngineId {
		pages = renderContextBufferPages
	}

	raw, err := s.dev.NewBuffer(
		fmt.Sprintf("%s context image", ctx.Name()),
		pages*registers.PageSize)
	if err != nil {
		return fmt.Errorf("%s context buffer: %w", s.id, err)
	}

	ring, err := ringbuffer.New(s.dev, fmt.Sprintf("%s ring", ctx.Name()))
	if err != nil {
		return fmt.Errorf("%s ring: %w", s.id, err)
	}

	ctx.SetEngineState(s.id, addrspace.NewBuffer(raw), ring)

	return nil
}

// InitHardware points the engine at its status page and seeds the posted
// sequence number. Rings are programmed per context at first submission.
func (s *CommandStreamer) InitHardware() {
	s.mmio.Write32(s.mmioBase+registers.HardwareStatusPageAddress,
		uint32(s.statusPage.GpuAddr()))

	s.statusPage.WriteSequenceNumber(s.progress.LastSubmitted())

	s.programmedCtx = nil
	s.hwInitialized = true
}

// HardwareInitialized reports whether InitHardware has run.
func (s *CommandStreamer) HardwareInitialized() bool { return s.hwInitialized }

// SubmitCommandBuffer writes a prepared command buffer's batch into its
// context's ring, assigns the next sequence number, and records the batch
// in flight.
func (s *CommandStreamer) SubmitCommandBuffer(
	b *cmdbuf.CommandBuffer,
	space *addrspace.AddressSpace,
) error {
	ctx := b.Context()

	seq, err := s.SubmitBatch(ctx, space, b.BatchGpuAddr())
	if err != nil {
		return err
	}

	b.SetSequenceNumber(seq)
	s.inflight = append(s.inflight, b)

	return nil
}

// SubmitBatch writes a batch-start for gpuAddr into ctx's ring and kicks
// the engine. Used by SubmitCommandBuffer and for driver-internal batches
// that bypass the scheduler.
func (s *CommandStreamer) SubmitBatch(
	ctx *hwcontext.Context,
	space *addrspace.AddressSpace,
	gpuAddr uint64,
) (uint32, error) {
	if !s.hwInitialized {
		log.Panicf("%s: submit before hardware init", s.id)
	}

	state, ok := ctx.EngineState(s.id)
	if !ok {
		log.Panicf("%s: context %s has no engine state", s.id, ctx.Name())
	}
	ring := state.Ring

	if !ring.HasSpace(submissionDwords * 4) {
		return 0, fmt.Errorf("%s: ring full for context %s", s.id, ctx.Name())
	}

	if ctx != s.programmedCtx {
		s.programContext(ring, space)
		s.programmedCtx = ctx
	}

	op := uint32(registers.MiBatchBufferStart)
	if space.ID() == addrspace.PerProcessGttId {
		op = registers.MiBatchBufferStartPpgtt
	}
	ring.Write32(op)
	ring.Write32(uint32(gpuAddr))
	ring.Write32(uint32(gpuAddr >> 32))

	seq := s.sequencer.Next()
	s.writeSequenceCompletion(ring, seq)

	s.progress.Submitted(seq, time.Now())
	s.mmio.Write32(s.mmioBase+registers.RingbufferTail, ring.Tail())

	return seq, nil
}

// programContext switches the engine's ring registers and address-space
// mode to the given context. The scheduler guarantees the previous
// context's work has drained.
func (s *CommandStreamer) programContext(
	ring *ringbuffer.Ringbuffer,
	space *addrspace.AddressSpace,
) {
	ringAddr, err := ring.GpuAddr(space.ID())
	if err != nil {
		log.Panicf("%s: %v", s.id, err)
	}

	s.mmio.Write32(s.mmioBase+registers.RingbufferCtl, 0)
	s.mmio.Write32(s.mmioBase+registers.RingbufferStart, uint32(ringAddr))
	s.mmio.Write32(s.mmioBase+registers.RingbufferHead, ring.Head())

	if space.ID() == addrspace.PerProcessGttId {
		root, ok := space.RootBusAddress()
		if !ok {
			log.Panicf("%s: per-process space without a table root", s.id)
		}
		s.mmio.Write64(s.mmioBase+registers.PerProcessPageDirectoryBase, root)
		s.mmio.Write32(s.mmioBase+registers.GraphicsMode,
			registers.GraphicsModePpgttEnable)
	} else {
		s.mmio.Write32(s.mmioBase+registers.GraphicsMode, 0)
	}

	ctl := uint32(registers.RingbufferCtlEnable) |
		(ringbuffer.Size/registers.PageSize-1)<<registers.RingbufferCtlSizeShift
	s.mmio.Write32(s.mmioBase+registers.RingbufferCtl, ctl)
}

// writeSequenceCompletion emits the post-sync write of seq to the status
// page followed by a user interrupt.
func (s *CommandStreamer) writeSequenceCompletion(
	ring *ringbuffer.Ringbuffer,
	seq uint32,
) {
	addr := s.statusPage.GpuAddr() + registers.StatusPageSequenceNumberOffset

	ring.Write32(registers.PipeControl)
	ring.Write32(registers.PipeControlCsStall |
		registers.PipeControlFlushRenderCaches |
		registers.PipeControlPostSyncWriteImm |
		registers.PipeControlGlobalGttWrite)
	ring.Write32(uint32(addr))
	ring.Write32(uint32(addr >> 32))
	ring.Write32(seq)
	ring.Write32(0)

	ring.Write32(registers.MiUserInterrupt)
}

// ProcessCompletedCommandBuffers drains the in-flight list up to the
// sequence number hardware posted, in FIFO order, and returns the retired
// batches along with the posted sequence number.
func (s *CommandStreamer) ProcessCompletedCommandBuffers() (
	[]*cmdbuf.CommandBuffer, uint32,
) {
	hwSeq := s.statusPage.ReadSequenceNumber()

	var completed []*cmdbuf.CommandBuffer
	for len(s.inflight) > 0 && s.inflight[0].SequenceNumber() <= hwSeq {
		completed = append(completed, s.inflight[0])
		s.inflight = s.inflight[1:]
	}

	return completed, hwSeq
}

// UpdateRingHead folds the hardware's consumption cursor back into the
// programmed context's ring so space accounting sees retired instructions.
func (s *CommandStreamer) UpdateRingHead() {
	if s.programmedCtx == nil {
		return
	}

	state, ok := s.programmedCtx.EngineState(s.id)
	if !ok {
		return
	}

	head := s.mmio.Read32(s.mmioBase + registers.RingbufferHead)
	if head%4 == 0 && head < ringbuffer.Size {
		state.Ring.UpdateHead(head)
	}
}

// ContextSwitched clears the programmed-context shadow after a
// context-switch interrupt so the next submission reprograms the ring.
func (s *CommandStreamer) ContextSwitched() {
	s.programmedCtx = nil
}

// Reset abandons all in-flight work, disables the ring, rewinds every
// affected context's cursors, and re-initializes the hardware. The
// abandoned batches are returned for release; no resubmission is
// attempted.
func (s *CommandStreamer) Reset() []*cmdbuf.CommandBuffer {
	s.mmio.Write32(s.mmioBase+registers.RingbufferCtl, 0)
	s.mmio.Write32(s.mmioBase+registers.RingbufferHead, 0)
	s.mmio.Write32(s.mmioBase+registers.RingbufferTail, 0)

	abandoned := s.inflight
	s.inflight = nil

	seen := make(map[*hwcontext.Context]bool)
	for _, b := range abandoned {
		ctx := b.Context()
		if seen[ctx] {
			continue
		}
		seen[ctx] = true

		if state, ok := ctx.EngineState(s.id); ok {
			state.Ring.Reset()
		}
	}

	if s.programmedCtx != nil {
		if state, ok := s.programmedCtx.EngineState(s.id); ok {
			state.Ring.Reset()
		}
	}

	s.progress.Completed(s.progress.LastSubmitted(), time.Now())
	s.InitHardware()

	return abandoned
}
