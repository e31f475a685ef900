package device

import (
	"sync/atomic"
	"time"

	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// samplePeriod is how often the monitor reads the frequency register.
const samplePeriod = time.Second

// A FrequencyMonitor samples the current graphics frequency on its own
// thread. It reads a status register the device thread never writes, so it
// bypasses the request queue on purpose.
type FrequencyMonitor struct {
	mmio platform.Mmio

	currentMhz atomic.Uint32

	stop chan struct{}
	done chan struct{}
}

// NewFrequencyMonitor creates a monitor; it does not sample until Start.
func NewFrequencyMonitor(mmio platform.Mmio) *FrequencyMonitor {
	return &FrequencyMonitor{mmio: mmio}
}

// Start launches the sampling thread.
func (m *FrequencyMonitor) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.threadLoop()
}

// Stop joins the sampling thread.
func (m *FrequencyMonitor) Stop() {
	close(m.stop)
	<-m.done
}

// CurrentMhz returns the last sampled frequency.
func (m *FrequencyMonitor) CurrentMhz() uint32 {
	return m.currentMhz.Load()
}

func (m *FrequencyMonitor) threadLoop() {
	defer close(m.done)

	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			raw := m.mmio.Read32(registers.RenderPerformanceStatus)
			// The status field reports the frequency in 50/3 MHz units.
			m.currentMhz.Store((raw >> 23) * 50 / 3)
		}
	}
}
