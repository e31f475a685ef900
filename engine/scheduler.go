package engine

import (
	"log"

	"github.com/gpudrv/intelgen/hooking"
	"github.com/gpudrv/intelgen/hwcontext"
)

// HookPosContextScheduled marks when the scheduler admits a context.
var HookPosContextScheduled = &hooking.HookPos{Name: "Context Scheduled"}

// A FifoScheduler decides which queued context's next command buffer may be
// dispatched. Admission is a single-slot gate: only one context may have
// outstanding work on the engine at a time, and it keeps the slot until all
// its buffers complete. Non-preemptive on purpose: the engine executes one
// context's ring at a time and switches are costly, so all of a context's
// queued buffers are batched before rotating.
type FifoScheduler struct {
	hooking.HookableBase

	queue        []*hwcontext.Ref
	current      *hwcontext.Context
	currentCount int
}

// NewFifoScheduler creates an empty scheduler.
func NewFifoScheduler() *FifoScheduler {
	return &FifoScheduler{}
}

// CommandBufferQueued appends one dispatch permit for ctx. One permit is
// consumed per scheduled command buffer.
func (s *FifoScheduler) CommandBufferQueued(ref *hwcontext.Ref) {
	s.queue = append(s.queue, ref)
}

// ScheduleContext returns the context whose next command buffer may be
// dispatched, or nil when there is no admissible work. Destroyed contexts
// at the front are discarded.
func (s *FifoScheduler) ScheduleContext() *hwcontext.Context {
	for len(s.queue) > 0 {
		ctx, ok := s.queue[0].Lock()
		if !ok {
			s.queue = s.queue[1:]
			continue
		}
		ctx.Release()

		if s.current != nil && ctx != s.current {
			return nil
		}

		s.queue = s.queue[1:]
		s.current = ctx
		s.currentCount++

		if s.NumHooks() > 0 {
			s.InvokeHook(hooking.HookCtx{
				Domain: s,
				Pos:    HookPosContextScheduled,
				Item:   ctx,
			})
		}

		return ctx
	}

	return nil
}

// CommandBufferCompleted retires one of the admitted context's buffers;
// when none remain the slot opens for the next distinct context.
func (s *FifoScheduler) CommandBufferCompleted(ctx *hwcontext.Context) {
	if ctx != s.current || s.currentCount == 0 {
		log.Panic("completion for a context that is not scheduled")
	}

	s.currentCount--
	if s.currentCount == 0 {
		s.current = nil
	}
}

// Current returns the admitted context and its outstanding count.
func (s *FifoScheduler) Current() (*hwcontext.Context, int) {
	return s.current, s.currentCount
}
