package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yairfalse/secmon/internal/observers/integrity"
	"github.com/yairfalse/secmon/internal/sources/dispatch"
	"github.com/yairfalse/secmon/pkg/domain"
)

func newBaselineCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Record the dispatch table and print its fingerprint",
		Long: `Read the system call dispatch table now and print its fingerprint. With
--out the table is saved so a later 'secmon scan --baseline' can compare
against it. Record the baseline on a host you trust.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			snap, err := dispatch.NewKernelTable(logger, &cfg.Integrity).ReadTable(ctx, cfg.Integrity.Length)
			if err != nil {
				return err
			}
			b, err := integrity.NewBaseline(snap, cfg.Integrity.Length)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "symbol:      %s\n", cfg.Integrity.Symbol)
			fmt.Fprintf(w, "location:    %#x\n", b.Location)
			fmt.Fprintf(w, "entries:     %d\n", b.Length)
			fmt.Fprintf(w, "fingerprint: %s\n", b.Fingerprint)

			if out != "" {
				recorded := &domain.TableSnapshot{Location: b.Location, Entries: b.Entries()}
				if err := dispatch.SaveSnapshot(out, recorded); err != nil {
					return err
				}
				fmt.Fprintf(w, "saved to %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write the table snapshot to this file")
	return cmd
}
