package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"deadman/internal/app"
	"deadman/internal/model"
)

var (
	historyLimit         int
	historyNotifications bool
)

var historyCmd = &cobra.Command{
	Use:   "history <subject_id>",
	Short: "Print recent checks (or alerts) for a subject, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := app.OpenStore(cfgPath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out := cmd.OutOrStdout()
		id := args[0]

		if historyNotifications {
			recs, err := st.RecentNotifications(ctx, id, historyLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, recs)
			}
			return printNotifications(out, id, recs)
		}

		recs, err := st.RecentChecks(ctx, id, historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(out, recs)
		}
		return printChecks(out, id, recs)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max records to print")
	historyCmd.Flags().BoolVar(&historyNotifications, "notifications", false, "print alert attempts instead of checks")
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printChecks(out io.Writer, id string, recs []model.CheckRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintf(out, "no checks recorded for %s\n", id)
		return err
	}
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKED_AT\tOUTCOME\tSTATE\tLAST_ACTIVITY\tINACTIVE_DAYS\tDETAIL")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CheckedAt.Local().Format(time.DateTime), r.Outcome, r.State,
			fmtTime(r.LastActivityAt), fmtDays(r.InactiveDays), r.Detail)
	}
	return w.Flush()
}

func printNotifications(out io.Writer, id string, recs []model.NotificationRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintf(out, "no alerts recorded for %s\n", id)
		return err
	}
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SENT_AT\tDELIVERY\tSTATE\tINACTIVE_DAYS\tERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.SentAt.Local().Format(time.DateTime), r.Delivery, r.StateAtSend,
			fmtDays(r.InactiveDays), r.Error)
	}
	return w.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func fmtDays(d *int) string {
	if d == nil {
		return "-"
	}
	return fmt.Sprint(*d)
}
