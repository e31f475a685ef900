package device

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/engine"
	"github.com/gpudrv/intelgen/hooking"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// Status is the coarse result surfaced to submission calls.
type Status int

// Submission statuses.
const (
	StatusOk Status = iota
	StatusContextKilled
	StatusInternalError
	StatusUnimplemented
)

// HookPosBatchSubmitted marks when a batch is handed to hardware.
var HookPosBatchSubmitted = &hooking.HookPos{Name: "Batch Submitted"}

// HookPosBatchCompleted marks when a batch retires.
var HookPosBatchCompleted = &hooking.HookPos{Name: "Batch Completed"}

// HookPosEngineReset marks a render engine reset.
var HookPosEngineReset = &hooking.HookPos{Name: "Engine Reset"}

// ggttSize is the extent of the global address space.
const ggttSize = uint64(1) << 32

// A Device owns the GPU: the global address space, the render engine, the
// FIFO scheduler, and the request queue whose single consumer thread is
// the only place hardware state ever changes. Client-facing methods are
// non-blocking; they enqueue and return.
type Device struct {
	hooking.HookableBase

	name    string
	platDev platform.Device
	mmio    platform.Mmio
	logger  *log.Logger

	deviceId      uint32
	subsliceCount uint32
	euCount       uint32

	ggtt      *addrspace.AddressSpace
	globalCtx *hwcontext.Context
	render    *engine.RenderCommandStreamer
	sched     *engine.FifoScheduler

	queue      *requestQueue
	interrupts *InterruptManager
	freqMon    *FrequencyMonitor

	// Device-thread-only state below.
	pending      map[*hwcontext.Context][]*cmdbuf.CommandBuffer
	ctxConn      map[*hwcontext.Context]*hwcontext.Connection
	deferred     []*deferredSubmission
	watchedSems  map[*platform.Semaphore]struct{}
	pendingWaits []*waitRenderingRequest

	quit chan struct{}
	done chan struct{}

	nextConnId uint64
}

type deferredSubmission struct {
	conn *hwcontext.Connection
	buf  *cmdbuf.CommandBuffer
}

// A Builder can build devices.
type Builder struct {
	platDev         platform.Device
	logger          *log.Logger
	deviceId        uint32
	subsliceCount   uint32
	euCount         uint32
	withFreqMonitor bool
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		deviceId:      0x1916,
		subsliceCount: 3,
		euCount:       24,
	}
}

// WithPlatformDevice sets the platform services to drive.
func (b Builder) WithPlatformDevice(dev platform.Device) Builder {
	b.platDev = dev
	return b
}

// WithLogger sets the diagnostic logger; stderr by default.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// WithDeviceId sets the PCI device id reported by queries.
func (b Builder) WithDeviceId(id uint32) Builder {
	b.deviceId = id
	return b
}

// WithTopology sets the subslice and EU counts reported by queries.
func (b Builder) WithTopology(subslices, eus uint32) Builder {
	b.subsliceCount = subslices
	b.euCount = eus
	return b
}

// WithFrequencyMonitor enables the telemetry thread that samples the
// current graphics frequency.
func (b Builder) WithFrequencyMonitor(enabled bool) Builder {
	b.withFreqMonitor = enabled
	return b
}

// Build initializes the hardware and returns a device named name. The
// device thread is not yet running; call StartDeviceThread.
func (b Builder) Build(name string) (*Device, error) {
	if b.platDev == nil {
		panic("builder needs a platform device")
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stderr, name+": ", log.LstdFlags)
	}

	d := &Device{
		name:          name,
		platDev:       b.platDev,
		mmio:          b.platDev.Mmio(),
		logger:        logger,
		deviceId:      b.deviceId,
		subsliceCount: b.subsliceCount,
		euCount:       b.euCount,
		sched:         engine.NewFifoScheduler(),
		queue:         newRequestQueue(),
		pending:       make(map[*hwcontext.Context][]*cmdbuf.CommandBuffer),
		ctxConn:       make(map[*hwcontext.Context]*hwcontext.Connection),
		watchedSems:   make(map[*platform.Semaphore]struct{}),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	if err := d.initHardware(); err != nil {
		return nil, err
	}

	d.interrupts = NewInterruptManager(b.platDev.Interrupt(), d.mmio)
	d.interrupts.RegisterCallback(d.interruptCallback,
		registers.InterruptUserBit|registers.InterruptContextSwitchBit)

	if b.withFreqMonitor {
		d.freqMon = NewFrequencyMonitor(d.mmio)
	}

	return d, nil
}

// initHardware runs once on the building thread, before the device thread
// exists, so the single-mutator discipline holds trivially.
func (d *Device) initHardware() error {
	if err := d.acquireForcewake(); err != nil {
		return err
	}

	ggtt, err := addrspace.NewGlobalGtt(d.platDev, ggttSize)
	if err != nil {
		return fmt.Errorf("ggtt: %w", err)
	}
	d.ggtt = ggtt

	render, err := engine.MakeBuilder().
		WithPlatformDevice(d.platDev).
		WithGlobalGtt(ggtt).
		Build(d.name + " render")
	if err != nil {
		return err
	}
	d.render = render

	d.globalCtx = hwcontext.New(d.name + " global context")
	if err := render.InitContext(d.globalCtx); err != nil {
		return err
	}
	if err := d.globalCtx.Map(ggtt, hwcontext.RenderEngineId); err != nil {
		return err
	}

	render.InitHardware()

	if err := render.SubmitInitBatch(d.globalCtx); err != nil {
		return err
	}

	return nil
}

// acquireForcewake wakes the render power well and polls for the ack.
func (d *Device) acquireForcewake() error {
	bit := uint32(registers.ForceWakeRenderBit)
	d.mmio.Write32(registers.ForceWakeRequest, bit<<16|bit)

	for retry := 0; retry < 100; retry++ {
		if d.mmio.Read32(registers.ForceWakeStatus)&bit != 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	return fmt.Errorf("forcewake ack timeout")
}

// StartDeviceThread launches the device thread, the interrupt thread, and
// the optional frequency monitor.
func (d *Device) StartDeviceThread() {
	go d.deviceThreadLoop()
	d.interrupts.Start()

	if d.freqMon != nil {
		d.freqMon.Start()
	}
}

// Destroy stops queue processing, idles the engine, and joins the
// threads. In-flight hardware work is not waited for.
func (d *Device) Destroy() {
	close(d.quit)
	select {
	case d.queue.wake <- struct{}{}:
	default:
	}
	<-d.done

	d.interrupts.Stop()

	if d.freqMon != nil {
		d.freqMon.Stop()
	}
}

// deviceThreadLoop is the single consumer of the request queue. It drains
// the whole queue on each wake and uses the hang-check deadline as its
// wait timeout.
func (d *Device) deviceThreadLoop() {
	defer close(d.done)

	for {
		timeout, hasDeadline := d.render.Progress().HangcheckTimeout(time.Now())

		var t *time.Timer
		var timeoutCh <-chan time.Time
		if hasDeadline {
			t = time.NewTimer(timeout)
			timeoutCh = t.C
		}

		select {
		case <-d.quit:
			if t != nil {
				t.Stop()
			}
			d.failOutstanding()
			d.idleEngine()
			return

		case <-d.queue.wake:
			d.drainRequests()

		case <-timeoutCh:
			d.hangCheckTimeout()
		}

		if t != nil {
			t.Stop()
		}

		d.retryDeferred()
		d.checkPendingWaits()
	}
}

func (d *Device) drainRequests() {
	for _, r := range d.queue.DrainAll() {
		if d.queue.NumHooks() > 0 {
			d.queue.InvokeHook(hooking.HookCtx{
				Domain: d.queue,
				Pos:    HookPosRequestProcess,
				Item:   r,
			})
		}

		if err := r.Process(d); err != nil {
			d.logger.Printf("%s request: %v", r.Name(), err)
		}
	}
}

// failOutstanding answers every blocked caller before the device thread
// exits so shutdown cannot strand a waiter.
func (d *Device) failOutstanding() {
	err := fmt.Errorf("device shutting down")

	for _, r := range d.queue.DrainAll() {
		if rb, ok := r.(interface{ signalReply(error) }); ok {
			rb.signalReply(err)
		}
	}

	for _, r := range d.pendingWaits {
		r.signalReply(err)
	}
	d.pendingWaits = nil
}

// idleEngine disables the ring before the device thread exits.
func (d *Device) idleEngine() {
	d.mmio.Write32(registers.RenderEngineMmioBase+registers.RingbufferCtl, 0)
}
