package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/session"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status PROJECT",
		Short: "Show budget, stage progress and caches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProject(cmd, args[0], func(_ context.Context, _ *app.App, o *session.Orchestrator) error {
				st := o.Status()
				if ok, err := c.printJSON(cmd, st); ok {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTitle(fmt.Sprintf("%s  %.0f%% complete", st.Name, st.OverallProgress)))
				fmt.Fprintln(out)
				fmt.Fprintln(out, budgetBar(st.Budget))
				fmt.Fprintln(out, mutedStyle.Render(st.Budget.Message))
				fmt.Fprintln(out)

				rows := make([][]string, 0, len(st.Stages))
				for _, s := range st.Stages {
					cacheCol, ttlCol := "-", "-"
					if s.Cache != nil {
						cacheCol = truncate(s.Cache.ProviderName, 24)
						ttlCol = formatRemaining(s.Cache.RemainingSeconds, s.Cache.Expired)
					}
					rows = append(rows, []string{
						s.Stage,
						fmt.Sprintf("%.0f%%", s.Progress.ProgressPercentage),
						string(s.ChatState),
						fmt.Sprint(s.MessageCount),
						cacheCol,
						ttlCol,
					})
				}
				fmt.Fprint(out, renderTable(table{
					headers: []string{"Stage", "Progress", "Chat", "Msgs", "Cache", "TTL"},
					rows:    rows,
				}))

				if len(st.Sources) > 0 {
					fmt.Fprintln(out)
					for _, src := range st.Sources {
						fmt.Fprintf(out, "  %s  %s tokens  %s\n", src.Name, formatTokens(src.EstimatedTokens), mutedStyle.Render(formatAgo(src.UploadedAt)))
					}
				}
				return nil
			})
		},
	}
}
