package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"visionguard/internal/app"
)

func probeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Dial and authenticate against the SMTP server once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(cfgPath)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			if err := a.Dispatcher().Probe(ctx); err != nil {
				return fmt.Errorf("smtp probe failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "smtp ok (%s)\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "probe timeout")
	return cmd
}
