package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/domain/pipeline"
	"github.com/lims/lims/internal/domain/report"
	"github.com/lims/lims/internal/platform/db"
)

func statesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states <item-id>",
		Short: "Print the pipeline ledger of an acceptance item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid item id %q: %w", args[0], err)
			}
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx, release, err := db.WithTenantConn(cmd.Context(), pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			return writeItemStates(ctx, cmd.OutOrStdout(), pipeline.NewRepoPG(pool), report.NewRepoPG(pool), itemID)
		},
	}
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

type stateLister interface {
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]*pipeline.State, error)
}

type activeReportFinder interface {
	ActiveForItem(ctx context.Context, itemID uuid.UUID) (*report.Report, error)
}

// writeItemStates prints the item's ledger followed by its derived status.
func writeItemStates(ctx context.Context, w io.Writer, states stateLister, reports activeReportFinder, itemID uuid.UUID) error {
	rows, err := states.ListByItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintf(w, "Item %s has not entered the pipeline.\n", itemID)
		return nil
	}
	rep, err := reports.ActiveForItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("active report: %w", err)
	}

	fmt.Fprintln(w, renderTable(stateHeaders, stateRows(rows), stateAligns))
	fmt.Fprintf(w, "%s\n", pipeline.DeriveStatus(rows[len(rows)-1], rep))
	return nil
}

var (
	stateHeaders = []string{"SEQ", "ORDER", "SECTION", "STATUS", "STARTED BY", "STARTED AT", "FINISHED BY", "FINISHED AT", "FIRST"}
	stateAligns  = []columnAlignment{alignRight, alignRight}
)

func stateRows(states []*pipeline.State) [][]string {
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		first := ""
		if s.IsFirstSection {
			first = "yes"
		}
		rows = append(rows, []string{
			strconv.FormatInt(s.Seq, 10),
			strconv.Itoa(s.Order),
			s.SectionName,
			s.Status,
			orDash(s.StartedBy),
			formatTime(s.StartedAt),
			orDash(s.FinishedBy),
			formatTime(s.FinishedAt),
			first,
		})
	}
	return rows
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
