package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/hwcontext"
	"github.com/gpudrv/intelgen/platform"
	"github.com/gpudrv/intelgen/registers"
)

// A RenderCommandStreamer is the render engine's command streamer. On top
// of the generic streamer it carries the init batch that applies the
// engine's workaround programming after hardware init and after reset.
type RenderCommandStreamer struct {
	CommandStreamer

	initBatchBuf     *addrspace.Buffer
	initBatchMapping *addrspace.GpuMapping
}

// A Builder can build render command streamers.
type Builder struct {
	dev  platform.Device
	ggtt *addrspace.AddressSpace
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{}
}

// WithPlatformDevice sets the platform services to program.
func (b Builder) WithPlatformDevice(dev platform.Device) Builder {
	b.dev = dev
	return b
}

// WithGlobalGtt sets the global address space the status page and init
// batch live in.
func (b Builder) WithGlobalGtt(ggtt *addrspace.AddressSpace) Builder {
	b.ggtt = ggtt
	return b
}

// Build returns a render command streamer named name.
func (b Builder) Build(name string) (*RenderCommandStreamer, error) {
	statusPage, err := NewHardwareStatusPage(b.dev, b.ggtt, name+" status page")
	if err != nil {
		return nil, err
	}

	s := &RenderCommandStreamer{
		CommandStreamer: CommandStreamer{
			id:         hwcontext.RenderEngineId,
			mmioBase:   registers.RenderEngineMmioBase,
			dev:        b.dev,
			mmio:       b.dev.Mmio(),
			ggtt:       b.ggtt,
			sequencer:  NewSequencer(),
			progress:   NewGpuProgress(),
			statusPage: statusPage,
		},
	}

	if err := s.createInitBatch(); err != nil {
		return nil, err
	}

	return s, nil
}

// createInitBatch builds the workaround batch. The modelled hardware needs
// no workarounds, so the batch is a minimal no-op stream; it still
// exercises the full submit path after init and reset.
func (s *RenderCommandStreamer) createInitBatch() error {
	raw, err := s.dev.NewBuffer("render init batch", registers.PageSize)
	if err != nil {
		return fmt.Errorf("init batch: %w", err)
	}
	buf := addrspace.NewBuffer(raw)

	cpu, err := buf.MapCpu()
	if err != nil {
		return fmt.Errorf("init batch map: %w", err)
	}

	binary.LittleEndian.PutUint32(cpu[0:], registers.MiNoop)
	binary.LittleEndian.PutUint32(cpu[4:], registers.MiNoop)
	binary.LittleEndian.PutUint32(cpu[8:], registers.MiBatchBufferEnd)

	if err := buf.UnmapCpu(); err != nil {
		return fmt.Errorf("init batch unmap: %w", err)
	}

	mapping, err := addrspace.GetSharedGpuMapping(
		s.ggtt, buf, 0, registers.PageSize, registers.PageShift)
	if err != nil {
		return fmt.Errorf("init batch: %w", err)
	}

	s.initBatchBuf = buf
	s.initBatchMapping = mapping

	return nil
}

// SubmitInitBatch runs the init batch on the given (global) context.
func (s *RenderCommandStreamer) SubmitInitBatch(
	ctx *hwcontext.Context,
) error {
	_, err := s.SubmitBatch(ctx, s.ggtt, s.initBatchMapping.GpuAddr())
	return err
}
