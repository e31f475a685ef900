package device

import (
	"time"

	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/datarecording"
	"github.com/gpudrv/intelgen/hooking"
)

// batchTraceEntry is one row of the batch trace table.
type batchTraceEntry struct {
	BatchId        string
	Context        string
	SequenceNumber uint32
	GpuAddr        uint64
	Event          string
	TimestampNs    int64
}

// resetTraceEntry is one row of the reset trace table.
type resetTraceEntry struct {
	AbandonedBatches uint32
	TimestampNs      int64
}

// A SubmissionTracer records batch submissions, completions, and engine
// resets into a trace database. Attach it to the device with AcceptHook;
// its Func then runs on the device thread, so it never locks.
type SubmissionTracer struct {
	recorder datarecording.Recorder
}

// NewSubmissionTracer creates a tracer writing through recorder.
func NewSubmissionTracer(recorder datarecording.Recorder) *SubmissionTracer {
	recorder.CreateTable("batch_trace", batchTraceEntry{})
	recorder.CreateTable("reset_trace", resetTraceEntry{})

	return &SubmissionTracer{recorder: recorder}
}

// Func records the hooked event.
func (t *SubmissionTracer) Func(ctx hooking.HookCtx) {
	now := time.Now().UnixNano()

	switch ctx.Pos {
	case HookPosBatchSubmitted:
		t.recordBatch(ctx.Item.(*cmdbuf.CommandBuffer), "submitted", now)
	case HookPosBatchCompleted:
		t.recordBatch(ctx.Item.(*cmdbuf.CommandBuffer), "completed", now)
	case HookPosEngineReset:
		t.recorder.InsertData("reset_trace", resetTraceEntry{
			AbandonedBatches: ctx.Item.(uint32),
			TimestampNs:      now,
		})
	}
}

func (t *SubmissionTracer) recordBatch(
	b *cmdbuf.CommandBuffer,
	event string,
	now int64,
) {
	t.recorder.InsertData("batch_trace", batchTraceEntry{
		BatchId:        b.Id(),
		Context:        b.Context().Name(),
		SequenceNumber: b.SequenceNumber(),
		GpuAddr:        b.BatchGpuAddr(),
		Event:          event,
		TimestampNs:    now,
	})
}
