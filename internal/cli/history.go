package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"batchq/internal/storage"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		items  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(a.cfg, a.log)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("history is disabled (storage.driver is none)")
			}
			defer store.Close()

			ctx := cmd.Context()
			var runs []storage.RunRecord
			if len(args) == 1 {
				rec, ok, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("run %q not found", args[0])
				}
				runs = []storage.RunRecord{rec}
				items = true
			} else {
				runs, err = store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			return writeHistory(w, runs, items)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to show (0 = all)")
	cmd.Flags().BoolVar(&items, "items", false, "include per-item rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeHistory(w io.Writer, runs []storage.RunRecord, items bool) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tQUEUE\tSTATUS\tSTARTED\tDURATION\tOK\tFAILED\tCANCELLED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			shortID(r.ID), r.Queue, r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Millisecond),
			r.Successful, r.Failed, r.Cancelled)
		if !items {
			continue
		}
		for _, it := range r.Items {
			line := fmt.Sprintf("  %s\t\t%s\t\t%s", it.Label, it.Status, time.Duration(it.DurationMS)*time.Millisecond)
			if it.Error != "" {
				line += "\t" + it.Error
			}
			fmt.Fprintln(tw, line)
		}
	}
	return tw.Flush()
}
