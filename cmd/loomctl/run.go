package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
)

func (c *cli) runCmd() *cobra.Command {
	var (
		stream     bool
		system     string
		supplement string
	)
	cmd := &cobra.Command{
		Use:   "run PROJECT STAGE PROMPT...",
		Short: "Send a prompt to a workflow stage",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.StageRequest{
				Stage:             args[1],
				Prompt:            strings.Join(args[2:], " "),
				SystemInstruction: system,
				Supplement:        supplement,
			}
			return c.withProject(cmd, args[0], func(ctx context.Context, _ *app.App, o *session.Orchestrator) error {
				out := cmd.OutOrStdout()
				if stream {
					events, err := o.RunStageStream(ctx, req)
					if err != nil {
						return err
					}
					var streamErr error
					for ev := range events {
						switch ev.Type {
						case provider.EventTextDelta:
							fmt.Fprint(out, ev.TextDelta)
						case provider.EventError:
							streamErr = ev.Err
						}
					}
					fmt.Fprintln(out)
					fmt.Fprintln(out, budgetBar(o.Status().Budget))
					return streamErr
				}

				res, err := o.RunStage(ctx, req)
				if res == nil {
					return err
				}
				if ok, jerr := c.printJSON(cmd, res); ok {
					return errors.Join(jerr, err)
				}
				fmt.Fprintln(out, res.Text)
				fmt.Fprintln(out)
				if res.ChatRecreated {
					fmt.Fprintln(out, mutedStyle.Render("chat recreated; earlier turns are not in context"))
				}
				if res.CacheCreated {
					fmt.Fprintln(out, mutedStyle.Render("cache created: "+res.CacheName))
				}
				fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("message %d · prompt %s · cached %s · output %s",
					res.MessageCount,
					formatTokens(res.Usage.PromptTokens),
					formatTokens(res.Usage.CachedTokens),
					formatTokens(res.Usage.OutputTokens),
				)))
				fmt.Fprintln(out, budgetBar(res.Budget))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the reply as it is generated")
	cmd.Flags().StringVar(&system, "system", "", "System instruction used when the stage cache is built")
	cmd.Flags().StringVar(&supplement, "supplement", "", "Extra text cached next to the sources")
	return cmd
}
