package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "intelgen",
	Short: "intelgen runs the GPU command submission driver on the simulated platform.",
	Long: `intelgen runs the GPU command submission driver on the simulated ` +
		`platform. It can execute a demonstration workload, serve device ` +
		`status over HTTP, and record submission traces.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	// Optional overrides from a .env file in the working directory.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
