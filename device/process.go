package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/hooking"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/registers"
)

// processCommandBuffer runs on the device thread for each submission. A
// destroyed context is an expected race, not an error; the buffer is
// dropped silently. Unsatisfied wait semaphores park the submission on the
// deferred list.
func (d *Device) processCommandBuffer(
	b *cmdbuf.CommandBuffer,
	conn *hwcontext.Connection,
) error {
	if !b.Prepared() {
		err := b.PrepareForExecution(d.render, conn.Space())
		if errors.Is(err, cmdbuf.ErrContextGone) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	ctx := b.Context()
	if ctx.Killed() {
		b.Release(conn.Cache())
		return nil
	}
	d.ctxConn[ctx] = conn

	if !b.WaitSemaphoresSignaled() {
		d.deferred = append(d.deferred, &deferredSubmission{conn: conn, buf: b})
		d.watchWaitSemaphores(b)
		return nil
	}

	d.pending[ctx] = append(d.pending[ctx], b)
	d.sched.CommandBufferQueued(ctx.WeakRef())

	d.scheduleBatches()

	return nil
}

// watchWaitSemaphores arms a wakeup for each unsignaled wait semaphore so
// a parked submission makes progress even on an otherwise idle device. The
// watched set keeps re-parks from stacking duplicate watchers.
func (d *Device) watchWaitSemaphores(b *cmdbuf.CommandBuffer) {
	for _, sem := range b.WaitSemaphores() {
		if sem.Signaled() {
			continue
		}
		if _, ok := d.watchedSems[sem]; ok {
			continue
		}
		d.watchedSems[sem] = struct{}{}

		sem.OnSignal(func() {
			d.queue.Enqueue(&semaphoreFiredRequest{
				requestBase: makeRequestBase(),
				sem:         sem,
			}, false)
		})
	}
}

// retryDeferred re-examines parked submissions. The deferred list is
// rechecked after every request batch, and semaphore watchers guarantee a
// batch arrives when a gate fires.
func (d *Device) retryDeferred() {
	if len(d.deferred) == 0 {
		return
	}

	parked := d.deferred
	d.deferred = nil

	for _, s := range parked {
		if err := d.processCommandBuffer(s.buf, s.conn); err != nil {
			d.logger.Printf("deferred submission: %v", err)
		}
	}
}

// scheduleBatches dispatches pending command buffers for as long as the
// scheduler admits work and the ring has space.
func (d *Device) scheduleBatches() {
	for {
		ctx := d.sched.ScheduleContext()
		if ctx == nil {
			return
		}

		bufs := d.pending[ctx]
		if len(bufs) == 0 {
			// Permits and pending lists are appended together, so an
			// admitted context always has a buffer waiting.
			d.logger.Printf("scheduler admitted %s with nothing pending",
				ctx.Name())
			d.sched.CommandBufferCompleted(ctx)
			continue
		}
		b := bufs[0]

		if err := d.render.SubmitCommandBuffer(b, d.spaceFor(ctx)); err != nil {
			// Ring full. Give the permit back and wait for completions to
			// free ring space.
			d.logger.Printf("dispatch for %s: %v", ctx.Name(), err)
			d.sched.CommandBufferCompleted(ctx)
			d.sched.CommandBufferQueued(ctx.WeakRef())
			return
		}

		d.pending[ctx] = bufs[1:]
		if len(d.pending[ctx]) == 0 {
			delete(d.pending, ctx)
		}

		if d.NumHooks() > 0 {
			d.InvokeHook(hooking.HookCtx{
				Domain: d,
				Pos:    HookPosBatchSubmitted,
				Item:   b,
			})
		}
	}
}

// spaceFor returns the address space a context's batches execute in. The
// global context is the only one living in the global space.
func (d *Device) spaceFor(ctx *hwcontext.Context) *addrspace.AddressSpace {
	if conn, ok := d.ctxConn[ctx]; ok {
		return conn.Space()
	}

	return d.ggtt
}

func (d *Device) cacheFor(ctx *hwcontext.Context) *addrspace.MappingCache {
	if conn, ok := d.ctxConn[ctx]; ok {
		return conn.Cache()
	}

	return nil
}

// interruptCallback runs on the interrupt thread. It only forwards the
// already-cleared identity bits to the device thread.
func (d *Device) interruptCallback(masterCtl, identityBits uint32) {
	d.queue.Enqueue(&interruptRequest{
		requestBase:  makeRequestBase(),
		masterCtl:    masterCtl,
		identityBits: identityBits,
	}, false)
}

// processInterrupts handles the identity bits on the device thread. A
// valid fault supersedes everything else: completions posted alongside a
// fault are not trusted and the engine is reset instead.
func (d *Device) processInterrupts(masterCtl, identityBits uint32) error {
	fault := d.mmio.Read32(registers.AllEngineFault)
	if fault&registers.FaultValid != 0 {
		desc := registers.DecodeFault(fault)
		d.logger.Printf(
			"GPU fault: engine %d src %d type %d addr 0x%x",
			desc.Engine, desc.Src, desc.FaultType,
			registers.ReadFaultAddress(d.mmio))

		d.mmio.Write32(registers.AllEngineFault, fault)
		d.renderEngineReset()

		return nil
	}

	if identityBits&registers.InterruptUserBit != 0 {
		d.processCompletedCommandBuffers()
	}
	if identityBits&registers.InterruptContextSwitchBit != 0 {
		d.render.ContextSwitched()
	}

	return nil
}

// processCompletedCommandBuffers retires everything hardware has posted.
func (d *Device) processCompletedCommandBuffers() {
	d.render.UpdateRingHead()

	completed, hwSeq := d.render.ProcessCompletedCommandBuffers()
	d.render.Progress().Completed(hwSeq, time.Now())

	for _, b := range completed {
		ctx := b.Context()

		b.SignalCompletion()
		d.sched.CommandBufferCompleted(ctx)

		if d.NumHooks() > 0 {
			d.InvokeHook(hooking.HookCtx{
				Domain: d,
				Pos:    HookPosBatchCompleted,
				Item:   b,
			})
		}

		b.Release(d.cacheFor(ctx))
	}

	d.checkPendingWaits()
	d.scheduleBatches()
}

// hangCheckTimeout fires when outstanding work made no visible progress
// for a full hang-check window. A status page that advanced without a
// processed interrupt is a missed wakeup, not a hang.
func (d *Device) hangCheckTimeout() {
	progress := d.render.Progress()
	if !progress.WorkOutstanding() {
		return
	}

	hwSeq := d.render.StatusPage().ReadSequenceNumber()
	if hwSeq > progress.LastCompleted() {
		d.logger.Printf(
			"hang check: sequence advanced to %d without an interrupt, master ctl 0x%08x",
			hwSeq, d.mmio.Read32(registers.MasterInterruptControl))
		d.processCompletedCommandBuffers()
		return
	}

	d.logger.Printf("render engine hang: submitted %d completed %d",
		progress.LastSubmitted(), progress.LastCompleted())
	d.renderEngineReset()
}

// renderEngineReset recovers from a hang or fault. Abandoned batches are
// released without firing their signal semaphores; their payloads never
// executed.
func (d *Device) renderEngineReset() {
	d.dumpStatusLocked()

	if err := d.acquireForcewake(); err != nil {
		d.logger.Printf("reset: %v", err)
	}

	abandoned := d.render.Reset()
	for _, b := range abandoned {
		ctx := b.Context()
		d.sched.CommandBufferCompleted(ctx)
		b.Release(d.cacheFor(ctx))
	}

	if d.NumHooks() > 0 {
		d.InvokeHook(hooking.HookCtx{
			Domain: d,
			Pos:    HookPosEngineReset,
			Item:   uint32(len(abandoned)),
		})
	}

	if err := d.render.SubmitInitBatch(d.globalCtx); err != nil {
		d.logger.Printf("reset: init batch: %v", err)
	}

	d.checkPendingWaits()
	d.scheduleBatches()
}

// processDestroyContext kills ctx and drops its queued work. Batches
// already on hardware run to completion; queued and deferred ones are
// released with their signal semaphores fired so waiters cannot hang on
// work that will never execute.
func (d *Device) processDestroyContext(ctx *hwcontext.Context) error {
	if ctx.Killed() {
		return nil
	}

	var kept []*deferredSubmission
	for _, s := range d.deferred {
		if s.buf.Prepared() && s.buf.Context() == ctx {
			s.buf.SignalCompletion()
			s.buf.Release(d.cacheFor(ctx))
			continue
		}
		kept = append(kept, s)
	}
	d.deferred = kept

	for _, b := range d.pending[ctx] {
		b.SignalCompletion()
		b.Release(d.cacheFor(ctx))
	}
	delete(d.pending, ctx)

	ctx.Kill()

	d.checkPendingWaits()
	d.scheduleBatches()

	return nil
}

// processCloseConnection kills any of the connection's contexts that are
// still live, then tears the connection down. Closing with in-flight work
// would free page tables the hardware is walking, so the teardown is
// delayed until the engine owes the connection nothing.
func (d *Device) processCloseConnection(conn *hwcontext.Connection) error {
	var ctxs []*hwcontext.Context
	for ctx, c := range d.ctxConn {
		if c == conn {
			ctxs = append(ctxs, ctx)
		}
	}

	for _, b := range d.render.InFlight() {
		for _, ctx := range ctxs {
			if b.Context() == ctx {
				return fmt.Errorf("connection %d closed with work in flight",
					conn.Id())
			}
		}
	}

	for _, ctx := range ctxs {
		if !ctx.Killed() {
			if err := d.processDestroyContext(ctx); err != nil {
				return err
			}
		}
		delete(d.ctxConn, ctx)
	}

	conn.Close()

	return nil
}

// processReleaseBuffer evicts buf's cached mappings from the connection.
// Mappings still pinned by in-flight work stay alive until those batches
// retire.
func (d *Device) processReleaseBuffer(
	conn *hwcontext.Connection,
	buf *addrspace.Buffer,
) error {
	if d.bufferBusy(buf) {
		d.logger.Printf("releasing buffer %d while rendering is outstanding",
			buf.ID())
	}

	conn.Cache().ReleaseBuffer(buf)

	return nil
}

// processWaitRendering answers immediately for an idle buffer and parks
// the request otherwise.
func (d *Device) processWaitRendering(r *waitRenderingRequest) {
	if !d.bufferBusy(r.buf) {
		r.signalReply(nil)
		return
	}

	d.pendingWaits = append(d.pendingWaits, r)
}

// checkPendingWaits wakes WaitRendering callers whose buffers went idle.
func (d *Device) checkPendingWaits() {
	if len(d.pendingWaits) == 0 {
		return
	}

	var still []*waitRenderingRequest
	for _, r := range d.pendingWaits {
		if d.bufferBusy(r.buf) {
			still = append(still, r)
			continue
		}
		r.signalReply(nil)
	}
	d.pendingWaits = still
}

// bufferBusy reports whether buf is referenced by any submission that has
// not retired: in flight on hardware, pending dispatch, or deferred on
// semaphores.
func (d *Device) bufferBusy(buf *addrspace.Buffer) bool {
	for _, b := range d.render.InFlight() {
		if b.UsesBuffer(buf) {
			return true
		}
	}
	for _, bufs := range d.pending {
		for _, b := range bufs {
			if b.UsesBuffer(buf) {
				return true
			}
		}
	}
	for _, s := range d.deferred {
		if s.buf.UsesBuffer(buf) {
			return true
		}
	}

	return false
}
