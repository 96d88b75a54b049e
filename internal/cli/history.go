package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/yairfalse/secmon/internal/sinks"
	"go.uber.org/zap"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent findings from the local history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Sinks.SQLite.Enabled {
				return errors.New("history requires sinks.sqlite.enabled")
			}

			store, err := sinks.NewSQLiteSink(zap.NewNop(), cfg.Sinks.SQLite.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			found, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), found, output)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of findings to show")
	cmd.Flags().StringVarP(&output, "output", "o", "human", "output format (human, json)")
	return cmd
}

func writeHistory(w io.Writer, found []sinks.StoredFinding, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}
	if len(found) == 0 {
		fmt.Fprintln(w, "No findings recorded")
		return nil
	}
	for _, f := range found {
		pid := "-"
		if f.Process != nil {
			pid = fmt.Sprintf("%d", f.Process.PID)
		}
		fmt.Fprintf(w, "%s  %-8s %-28s pid=%-7s %s\n",
			f.CycleTime.Local().Format("2006-01-02 15:04:05"), f.Severity, f.Kind.Tag(), pid, f.Message)
	}
	return nil
}
