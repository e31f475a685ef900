package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpudrv/intelgen/datarecording"
)

var traceLimitFlag int

var traceCmd = &cobra.Command{
	Use:   "trace [database file]",
	Short: "Print a recorded submission trace.",
	Args:  cobra.ExactArgs(1),
	RunE:  printTrace,
}

func init() {
	traceCmd.Flags().IntVar(&traceLimitFlag, "limit", 100,
		"maximum number of rows to print")

	rootCmd.AddCommand(traceCmd)
}

type batchTraceRow struct {
	BatchId        string
	Context        string
	SequenceNumber uint32
	GpuAddr        uint64
	Event          string
	TimestampNs    int64
}

func printTrace(cmd *cobra.Command, args []string) error {
	reader := datarecording.NewReader(args[0])
	defer reader.Close()

	reader.MapTable("batch_trace", batchTraceRow{})

	rows, total, err := reader.Query(context.Background(), "batch_trace",
		datarecording.QueryParams{
			OrderBy: "TimestampNs",
			Limit:   traceLimitFlag,
		})
	if err != nil {
		return err
	}

	for _, row := range rows {
		r := row.(*batchTraceRow)
		fmt.Printf("%d %-9s batch %s seq %d ctx %q addr 0x%x\n",
			r.TimestampNs, r.Event, r.BatchId, r.SequenceNumber,
			r.Context, r.GpuAddr)
	}

	if total > len(rows) {
		fmt.Printf("(%d of %d rows)\n", len(rows), total)
	}

	return nil
}
