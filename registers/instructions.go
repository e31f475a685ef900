package registers

// Command-streamer instruction opcodes, as emitted into ringbuffers and
// batch buffers. Each instruction's first dword carries the opcode in the
// high bits and the remaining dword count minus two in the low bits.
const (
	MiNoop = 0x0

	MiUserInterrupt = 0x02 << 23

	MiBatchBufferEnd = 0x0a << 23

	MiStoreDataImm = (0x20 << 23) | 2

	// Bit 8 selects the per-process address space for the batch.
	MiBatchBufferStart      = (0x31 << 23) | 1
	MiBatchBufferStartPpgtt = MiBatchBufferStart | (1 << 8)

	PipeControl = (0x3 << 29) | (0x3 << 27) | (0x2 << 24) | 4
)

// PIPE_CONTROL flags (second dword).
const (
	PipeControlCsStall           = 1 << 20
	PipeControlPostSyncWriteImm  = 1 << 14
	PipeControlGlobalGttWrite    = 1 << 2
	PipeControlFlushRenderCaches = (1 << 12) | (1 << 0)
)
