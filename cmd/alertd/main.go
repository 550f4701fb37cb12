// alertd emails operators when a detection run finds no objects.
//
// Usage:
//
//	alertd serve -c alertd.yaml
//	alertd send --to ops@example.com --type live
//	alertd send --to ops@example.com --template detection_summary \
//	    --param objectCount=3 --param detectionType=static --param detectedAt=now
//	alertd probe
//
// SMTP credentials come from EMAIL_USER and EMAIL_PASSWORD unless set in the
// config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "alertd",
		Short:        "Detection alert dispatcher",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (json or yaml); empty uses defaults and environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
