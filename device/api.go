package device

import (
	"fmt"
	"sync/atomic"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
)

// Query ids.
const (
	QueryDeviceId = iota
	QuerySubsliceAndEuTotal
	QueryGttSize
)

// perProcessGttSize is the advertised per-connection address space extent.
const perProcessGttSize = uint64(1) << 48

// PlatformDevice returns the underlying platform services, for buffer
// allocation by clients sharing the process.
func (d *Device) PlatformDevice() platform.Device { return d.platDev }

// CreateConnection builds a new client connection with its own per-process
// address space. Runs on the caller's thread; the connection touches no
// engine state until its first submission.
func (d *Device) CreateConnection() (*hwcontext.Connection, error) {
	id := atomic.AddUint64(&d.nextConnId, 1)

	return hwcontext.NewConnection(d.platDev, id)
}

// CloseConnection tears the connection down on the device thread and
// returns once it is gone. Contexts created on the connection must be
// destroyed first.
func (d *Device) CloseConnection(conn *hwcontext.Connection) {
	r := &closeConnectionRequest{requestBase: makeRequestBase(), conn: conn}
	reply := r.withReply()

	d.queue.Enqueue(r, false)
	reply.Wait()
}

// CreateContext builds a hardware context on conn. Engine state is
// allocated lazily on first submission.
func (d *Device) CreateContext(conn *hwcontext.Connection) *hwcontext.Context {
	return hwcontext.New(
		fmt.Sprintf("%s connection %d context", d.name, conn.Id()))
}

// SubmitCommandBuffer hands a submission to the device thread and returns
// without waiting for execution. A killed target context is reported
// immediately; a context destroyed after this returns is dropped silently
// on the device thread.
func (d *Device) SubmitCommandBuffer(
	conn *hwcontext.Connection,
	b *cmdbuf.CommandBuffer,
) Status {
	ctx, ok := b.ContextRef().Lock()
	if !ok {
		return StatusContextKilled
	}
	ctx.Release()

	d.queue.Enqueue(&commandBufferRequest{
		requestBase: makeRequestBase(),
		conn:        conn,
		buf:         b,
	}, false)

	return StatusOk
}

// DestroyContext kills ctx on the device thread. Queued work is dropped;
// in-flight work runs to completion first.
func (d *Device) DestroyContext(ctx *hwcontext.Context) {
	d.queue.Enqueue(&destroyContextRequest{
		requestBase: makeRequestBase(),
		ctx:         ctx,
	}, false)
}

// ReleaseBuffer drops conn's cached GPU mappings of buf ahead of the
// client freeing it.
func (d *Device) ReleaseBuffer(
	conn *hwcontext.Connection,
	buf *addrspace.Buffer,
) {
	d.queue.Enqueue(&releaseBufferRequest{
		requestBase: makeRequestBase(),
		conn:        conn,
		buf:         buf,
	}, false)
}

// WaitRendering blocks the caller until no outstanding submission
// references buf.
func (d *Device) WaitRendering(buf *addrspace.Buffer) error {
	r := &waitRenderingRequest{requestBase: makeRequestBase(), buf: buf}
	reply := r.withReply()

	d.queue.Enqueue(r, false)
	reply.Wait()

	return r.Err()
}

// DumpStatusToLog asks the device thread for a diagnostic dump. The
// request jumps the queue so a wedged backlog cannot delay diagnosis.
func (d *Device) DumpStatusToLog() {
	d.queue.Enqueue(&dumpRequest{requestBase: makeRequestBase()}, true)
}

// Query answers the device parameter queries clients probe at startup.
func (d *Device) Query(id uint64) (uint64, error) {
	switch id {
	case QueryDeviceId:
		return uint64(d.deviceId), nil
	case QuerySubsliceAndEuTotal:
		return uint64(d.subsliceCount)<<32 | uint64(d.euCount), nil
	case QueryGttSize:
		return perProcessGttSize, nil
	}

	return 0, fmt.Errorf("unknown query id %d", id)
}

// GpuFrequencyMhz returns the last sampled graphics frequency, or zero if
// the frequency monitor is disabled.
func (d *Device) GpuFrequencyMhz() uint32 {
	if d.freqMon == nil {
		return 0
	}

	return d.freqMon.CurrentMhz()
}
