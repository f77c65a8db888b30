package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/project"
)

func (c *cli) projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Sessions.List(ctx)
				if err != nil {
					return err
				}
				if ok, err := c.printJSON(cmd, list); ok {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No projects."))
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{
						p.ID,
						truncate(p.Name, 28),
						p.Language,
						fmt.Sprint(p.SourceCount),
						formatAgo(p.UpdatedAt),
					})
				}
				fmt.Fprint(out, renderTable(table{
					headers: []string{"ID", "Name", "Lang", "Sources", "Updated"},
					rows:    rows,
				}))
				return nil
			})
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var (
		id          string
		description string
		language    string
		minutes     int
		ttl         int
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := project.CreateRequest{ID: id, Name: args[0], Description: description}
			var patch project.SettingsPatch
			if cmd.Flags().Changed("language") {
				patch.Language = &language
			}
			if cmd.Flags().Changed("minutes") {
				patch.TargetDurationMinutes = &minutes
			}
			if cmd.Flags().Changed("cache-ttl") {
				patch.CacheTTLSeconds = &ttl
			}
			req.Settings = &patch

			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				o, err := a.Sessions.Create(ctx, req)
				if err != nil {
					return err
				}
				p := o.Project()
				if ok, err := c.printJSON(cmd, p); ok {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", p.ID, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Project ID (generated when empty)")
	cmd.Flags().StringVar(&description, "description", "", "Project description")
	cmd.Flags().StringVar(&language, "language", "", "Output language code")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "Target film length in minutes")
	cmd.Flags().IntVar(&ttl, "cache-ttl", 0, "Default cache TTL in seconds")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROJECT",
		Short: "Delete a project and its provider caches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Sessions.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
