package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"visionguard/internal/app"
	"visionguard/internal/notifier"
)

func sendCmd() *cobra.Command {
	var (
		to            string
		detectionType string
		template      string
		params        []string
		eventKind     string
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one alert and print its outcome",
		Long: `Send one alert through the full pipeline (dedup, rate limit, retry).

Examples:
  # No-objects alert for a live run
  alertd send --to ops@example.com --type live

  # Any template with explicit parameters
  alertd send --to ops@example.com --template detection_summary \
    --param objectCount=3 --param detectionType=static --param detectedAt=2026-01-02T15:04:05Z`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if template == "" && detectionType == "" {
				return errors.New("one of --type or --template is required")
			}
			ps, err := parseParams(params)
			if err != nil {
				return err
			}

			a, err := app.NewApp(cfgPath)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopAppStop)
			}()

			var h *notifier.Handle
			if template == "" {
				h, err = a.Dispatcher().NotifyNoObjectsFound(ctx, to, detectionType)
			} else {
				h, err = a.Dispatcher().Submit(ctx, notifier.Request{
					Recipient: to,
					Template:  template,
					Params:    ps,
					EventKind: eventKind,
				})
			}
			if err != nil {
				return err
			}

			wctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			r, err := h.Wait(wctx)
			if err != nil {
				return fmt.Errorf("waiting for outcome: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(r)
			if r.Outcome == notifier.OutcomeTerminalFailure {
				return fmt.Errorf("alert failed: %s", r.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&detectionType, "type", "", "detection type for a no-objects alert (static or live)")
	cmd.Flags().StringVar(&template, "template", "", "template name (overrides --type)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter key=value (repeatable)")
	cmd.Flags().StringVar(&eventKind, "event-kind", "", "dedup event kind (defaults to template:detectionType)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the outcome")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func parseParams(in []string) (notifier.Params, error) {
	out := make(notifier.Params, 0, len(in))
	for _, kv := range in {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--param %q: want key=value", kv)
		}
		out = append(out, notifier.Param{Key: strings.TrimSpace(k), Value: v})
	}
	return out, nil
}
