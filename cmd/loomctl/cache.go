package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/session"
)

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage stage caches",
	}

	var ttl time.Duration
	extend := &cobra.Command{
		Use:   "extend PROJECT STAGE",
		Short: "Reset a stage cache lifetime",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProject(cmd, args[0], func(ctx context.Context, _ *app.App, o *session.Orchestrator) error {
				ok, err := o.ExtendCache(ctx, args[1], ttl)
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "extended %s cache by %s\n", args[1], ttl)
				} else if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "no cache for %s\n", args[1])
				}
				return err
			})
		},
	}
	extend.Flags().DurationVar(&ttl, "ttl", 3*time.Hour, "New lifetime counted from now")

	del := &cobra.Command{
		Use:   "delete PROJECT STAGE",
		Short: "Delete a stage cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProject(cmd, args[0], func(ctx context.Context, _ *app.App, o *session.Orchestrator) error {
				ok, err := o.DeleteCache(ctx, args[1])
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s cache\n", args[1])
				} else if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "no cache for %s\n", args[1])
				}
				return err
			})
		},
	}

	cmd.AddCommand(extend, del)
	return cmd
}
