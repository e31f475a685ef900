package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/gpudrv/intelgen/addrspace"
	"github.com/gpudrv/intelgen/cmdbuf"
	"github.com/gpudrv/intelgen/datarecording"
	"github.com/gpudrv/intelgen/device"
	"github.com/gpudrv/intelgen/monitoring"
	"github.com/gpudrv/intelgen/platform/simulated"
	"github.com/gpudrv/intelgen/registers"
)

var (
	monitorFlag     bool
	monitorPortFlag int
	openBrowserFlag bool
	traceFlag       string
	batchCountFlag  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a demonstration workload on the simulated device.",
	Long: `Run builds the simulated platform, initializes the driver, and ` +
		`submits a series of store batches, waiting for each to retire and ` +
		`verifying the written values.`,
	RunE: runDemo,
}

func init() {
	runCmd.Flags().BoolVar(&monitorFlag, "monitor", false,
		"serve device status over HTTP")
	runCmd.Flags().IntVar(&monitorPortFlag, "monitor-port", 0,
		"monitoring server port, random if 0")
	runCmd.Flags().BoolVar(&openBrowserFlag, "open-browser", false,
		"open the monitoring page in a browser")
	runCmd.Flags().StringVar(&traceFlag, "trace", "",
		"record submission traces into the named database")
	runCmd.Flags().IntVar(&batchCountFlag, "batches", 4,
		"number of store batches to submit")

	rootCmd.AddCommand(runCmd)
}

func runDemo(_ *cobra.Command, _ []string) error {
	platDev := simulated.MakeBuilder().WithHardware().Build()
	defer platDev.StopHardware()

	dev, err := device.MakeBuilder().
		WithPlatformDevice(platDev).
		WithFrequencyMonitor(true).
		Build("intelgen")
	if err != nil {
		return err
	}

	if traceFlag != "" {
		tracer := device.NewSubmissionTracer(datarecording.New(traceFlag))
		dev.AcceptHook(tracer)
	}

	dev.StartDeviceThread()
	defer dev.Destroy()

	if monitorFlag || envBool("INTELGEN_MONITOR") {
		startMonitor(dev)
	}

	return submitStoreBatches(dev, batchCountFlag)
}

func startMonitor(dev *device.Device) {
	port := monitorPortFlag
	if port == 0 {
		if v, err := strconv.Atoi(os.Getenv("INTELGEN_MONITOR_PORT")); err == nil {
			port = v
		}
	}

	monitor := monitoring.NewMonitor()
	monitor.RegisterDevice(dev)
	if port != 0 {
		monitor.WithPortNumber(port)
	}
	boundPort := monitor.StartServer()

	if openBrowserFlag {
		url := fmt.Sprintf("http://localhost:%d/api/status", boundPort)
		if err := browser.OpenURL(url); err != nil {
			log.Printf("opening browser: %v", err)
		}
	}
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

// submitStoreBatches submits batchCount batches, each storing a marker
// value into its own target buffer, and verifies each store after waiting
// for rendering.
func submitStoreBatches(dev *device.Device, batchCount int) error {
	conn, err := dev.CreateConnection()
	if err != nil {
		return err
	}
	defer dev.CloseConnection(conn)

	ctx := dev.CreateContext(conn)
	defer dev.DestroyContext(ctx)

	for i := 0; i < batchCount; i++ {
		marker := uint32(0xdead0000 + i)

		target, batch, err := buildStoreBatch(dev, i, marker)
		if err != nil {
			return err
		}

		b := cmdbuf.New(ctx.WeakRef(), []cmdbuf.ExecResource{
			{Buffer: target, Length: registers.PageSize},
			{
				Buffer: batch,
				Length: registers.PageSize,
				Relocations: []cmdbuf.Relocation{
					{Offset: 4, TargetResourceIndex: 0, TargetOffset: 0},
				},
			},
		}, 1, nil, nil)

		if status := dev.SubmitCommandBuffer(conn, b); status != device.StatusOk {
			return fmt.Errorf("batch %d rejected with status %d", i, status)
		}

		if err := dev.WaitRendering(target); err != nil {
			return err
		}

		if err := verifyStore(target, marker); err != nil {
			return err
		}

		log.Printf("batch %d stored 0x%08x", i, marker)
	}

	return nil
}

// buildStoreBatch creates a one-page target buffer and a batch that stores
// marker into it. The store's target address is filled in by relocation
// patching at submission time.
func buildStoreBatch(
	dev *device.Device,
	i int,
	marker uint32,
) (target, batch *addrspace.Buffer, err error) {
	platDev := dev.PlatformDevice()

	rawTarget, err := platDev.NewBuffer(
		fmt.Sprintf("target %d", i), registers.PageSize)
	if err != nil {
		return nil, nil, err
	}

	rawBatch, err := platDev.NewBuffer(
		fmt.Sprintf("batch %d", i), registers.PageSize)
	if err != nil {
		return nil, nil, err
	}

	data, err := rawBatch.MapCpu()
	if err != nil {
		return nil, nil, err
	}

	instructions := []uint32{
		registers.MiStoreDataImm,
		0, // target address low, patched
		0, // target address high, patched
		marker,
		registers.MiBatchBufferEnd,
	}
	for j, dword := range instructions {
		binary.LittleEndian.PutUint32(data[j*4:], dword)
	}

	if err := rawBatch.UnmapCpu(); err != nil {
		return nil, nil, err
	}

	return addrspace.NewBuffer(rawTarget), addrspace.NewBuffer(rawBatch), nil
}

func verifyStore(target *addrspace.Buffer, marker uint32) error {
	data, err := target.MapCpu()
	if err != nil {
		return err
	}
	defer target.UnmapCpu()

	if got := binary.LittleEndian.Uint32(data); got != marker {
		return fmt.Errorf("store not visible: got 0x%08x want 0x%08x",
			got, marker)
	}

	return nil
}
