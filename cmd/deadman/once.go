package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deadman/internal/app"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run exactly one check cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sum := a.RunOnce(ctx)
		_ = a.Stop(context.Background(), app.StopOnceDone)

		if jsonOutput {
			data, err := json.MarshalIndent(sum, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			fmt.Printf("cycle %s: %d subjects, ok=%d failed=%d alerts=%d suppressed=%d (%s)\n",
				sum.CycleID, sum.Subjects, sum.OK, sum.Failed, sum.Alerts, sum.Suppressed, sum.Duration.Round(time.Millisecond))
		}
		if sum.Canceled {
			return fmt.Errorf("cycle interrupted")
		}
		return nil
	},
}
