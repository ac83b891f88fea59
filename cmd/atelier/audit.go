package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/atelier/storage"
)

func auditCmd(g *globalFlags) *cobra.Command {
	var (
		q            storage.AuditQuery
		since, until string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit records",
		Long: `Audit pages through the decisions the agent has recorded, newest first.
--since and --until accept RFC 3339 timestamps or a duration back from now
(for example 24h).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			var err error
			if q.From, err = parseTimeFlag(since, now); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if q.To, err = parseTimeFlag(until, now); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			recs, err := app.store.ListAudit(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("list audit: %w", err)
			}
			return printAudit(cmd.OutOrStdout(), recs)
		},
	}

	cmd.Flags().StringVar(&q.RequestID, "request", "", "Only records for this request id")
	cmd.Flags().StringVar(&q.Actor, "actor", "", "Only records by this actor")
	cmd.Flags().StringVar(&q.Action, "action", "", "Only records with this action")
	cmd.Flags().StringVar(&since, "since", "", "Earliest record time")
	cmd.Flags().StringVar(&until, "until", "", "Latest record time")
	cmd.Flags().IntVar(&q.Limit, "limit", storage.DefaultAuditLimit, "Maximum records to list")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Records to skip")
	return cmd
}

// parseTimeFlag accepts RFC 3339 or a duration before now. Empty is zero.
func parseTimeFlag(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 time or duration, got %q", s)
	}
	return now.Add(-d), nil
}

func printAudit(w io.Writer, recs []storage.AuditRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tREQUEST\tACTOR\tACTION\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Format(time.RFC3339), r.RequestID, r.Actor, r.Action, truncate(r.Reason, 60))
	}
	return tw.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
