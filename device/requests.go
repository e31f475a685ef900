package device

import (
	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/rs/xid"
)

// A Request is one unit of work for the device thread. Process runs there
// exclusively, which is what makes all hardware-facing state effectively
// single-threaded.
type Request interface {
	Name() string
	Process(d *Device) error
}

// requestBase carries the optional reply event that turns an asynchronous
// request into a synchronous cross-thread call without ever blocking the
// device thread.
type requestBase struct {
	id    string
	reply *platform.Semaphore
	err   error
}

func makeRequestBase() requestBase {
	return requestBase{id: xid.New().String()}
}

// withReply arms a reply event; the caller waits on it after enqueueing.
func (r *requestBase) withReply() *platform.Semaphore {
	r.reply = platform.NewSemaphore()
	return r.reply
}

func (r *requestBase) signalReply(err error) {
	r.err = err
	if r.reply != nil {
		r.reply.Signal()
	}
}

// Err returns the processing outcome, valid after the reply event fires.
func (r *requestBase) Err() error { return r.err }

type commandBufferRequest struct {
	requestBase
	conn *hwcontext.Connection
	buf  *cmdbuf.CommandBuffer
}

func (r *commandBufferRequest) Name() string { return "command buffer" }

func (r *commandBufferRequest) Process(d *Device) error {
	err := d.processCommandBuffer(r.buf, r.conn)
	r.signalReply(err)
	return err
}

// semaphoreFiredRequest exists only to wake the device thread when a
// watched wait semaphore signals; the deferred-retry pass after request
// draining does the actual work.
type semaphoreFiredRequest struct {
	requestBase
	sem *platform.Semaphore
}

func (r *semaphoreFiredRequest) Name() string { return "semaphore fired" }

func (r *semaphoreFiredRequest) Process(d *Device) error {
	delete(d.watchedSems, r.sem)
	return nil
}

type interruptRequest struct {
	requestBase
	masterCtl    uint32
	identityBits uint32
}

func (r *interruptRequest) Name() string { return "interrupt" }

func (r *interruptRequest) Process(d *Device) error {
	err := d.processInterrupts(r.masterCtl, r.identityBits)
	r.signalReply(err)
	return err
}

type destroyContextRequest struct {
	requestBase
	ctx *hwcontext.Context
}

func (r *destroyContextRequest) Name() string { return "destroy context" }

func (r *destroyContextRequest) Process(d *Device) error {
	err := d.processDestroyContext(r.ctx)
	r.signalReply(err)
	return err
}

type releaseBufferRequest struct {
	requestBase
	conn *hwcontext.Connection
	buf  *addrspace.Buffer
}

func (r *releaseBufferRequest) Name() string { return "release buffer" }

func (r *releaseBufferRequest) Process(d *Device) error {
	err := d.processReleaseBuffer(r.conn, r.buf)
	r.signalReply(err)
	return err
}

type closeConnectionRequest struct {
	requestBase
	conn *hwcontext.Connection
}

func (r *closeConnectionRequest) Name() string { return "close connection" }

func (r *closeConnectionRequest) Process(d *Device) error {
	err := d.processCloseConnection(r.conn)
	r.signalReply(err)
	return err
}

type waitRenderingRequest struct {
	requestBase
	buf *addrspace.Buffer
}

func (r *waitRenderingRequest) Name() string { return "wait rendering" }

func (r *waitRenderingRequest) Process(d *Device) error {
	d.processWaitRendering(r)
	return nil
}

type dumpRequest struct {
	requestBase
}

func (r *dumpRequest) Name() string { return "dump" }

func (r *dumpRequest) Process(d *Device) error {
	d.dumpStatusLocked()
	r.signalReply(nil)
	return nil
}
