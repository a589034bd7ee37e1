package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "espcam-server",
		Short:        "Real-time relay between ESP32 camera devices and phone apps",
		Long:         "espcam-server accepts JPEG frames and events from ESP32 devices, fans them out to connected apps, and routes lock/unlock commands back to devices, queueing them while a device is offline.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")

	rootCmd.AddCommand(
		newServeCmd(),
		newDeviceCmd(),
		newAppCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
