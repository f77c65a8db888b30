package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/session"
)

func (c *cli) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload PROJECT FILE...",
		Short: "Upload source files to a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProject(cmd, args[0], func(ctx context.Context, _ *app.App, o *session.Orchestrator) error {
				out := cmd.OutOrStdout()
				for _, path := range args[1:] {
					ref, err := o.UploadSource(ctx, path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Fprintf(out, "uploaded %s (%s, %s)\n", path, ref.Kind, ref.MIMEType)
				}
				fmt.Fprintln(out, budgetBar(o.Status().Budget))
				return nil
			})
		},
	}
}
