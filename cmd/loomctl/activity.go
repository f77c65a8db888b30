package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/activity"
)

func (c *cli) activityCmd() *cobra.Command {
	var (
		stage string
		typ   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "activity [PROJECT]",
		Short: "Show the activity log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := activity.ListActivityOptions{Stage: stage, Limit: limit}
			if len(args) == 1 {
				opts.ProjectID = args[0]
			}
			if typ != "" {
				t := activity.ActivityType(typ)
				opts.ActivityType = &t
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Activity.GetRecentActivity(ctx, opts)
				if err != nil {
					return err
				}
				if ok, err := c.printJSON(cmd, entries); ok {
					return err
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						formatAgo(e.CreatedAt),
						e.ProjectID,
						e.Stage,
						string(e.ActivityType),
						truncate(e.Summary, 48),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(table{
					headers: []string{"When", "Project", "Stage", "Type", "Summary"},
					rows:    rows,
				}))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by stage")
	cmd.Flags().StringVar(&typ, "type", "", "Filter by activity type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries")
	return cmd
}
