package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/domain/session"
)

// screenplayStep runs one screenplay step and prints its result.
type screenplayStep func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, args []string) (any, error)

func (c *cli) screenplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "screenplay",
		Aliases: []string{"sp"},
		Short:   "Drive the screenplay workflow",
	}

	step := func(use, short string, nargs int, fn screenplayStep) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withProject(cmd, args[0], func(ctx context.Context, a *app.App, o *session.Orchestrator) error {
					v, err := fn(ctx, a.Screenplays, o, args[1:])
					if v != nil {
						jsonErr := c.printJSONAlways(cmd, v)
						if err == nil {
							err = jsonErr
						}
					}
					return err
				})
			},
		}
	}

	var minutes int
	selectCmd := step("select PROJECT INDEX", "Select a concept (zero-based) and build the protagonist", 2,
		func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, args []string) (any, error) {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, fmt.Errorf("%w: index %q", screenplay.ErrInvalidInput, args[0])
			}
			return nilIfEmpty(svc.SelectConcept(ctx, o, idx, minutes))
		})
	selectCmd.Flags().IntVar(&minutes, "minutes", 0, "Film length; defaults to the project setting")

	var notes string
	reviseCmd := step("revise PROJECT SCENE", "Rewrite a scene following notes", 2,
		func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, args []string) (any, error) {
			n, err := sceneNumber(args[0])
			if err != nil {
				return nil, err
			}
			return nilIfEmpty(svc.ReviseScene(ctx, o, n, notes))
		})
	reviseCmd.Flags().StringVar(&notes, "notes", "", "What to change")

	cmd.AddCommand(
		step("analyze PROJECT", "Propose three concepts from the sources", 1,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, _ []string) (any, error) {
				return nilIfEmpty(svc.Analyze(ctx, o))
			}),
		selectCmd,
		step("beats PROJECT", "Build the beat sheet", 1,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, _ []string) (any, error) {
				return nilIfEmpty(svc.CreateBeatSheet(ctx, o))
			}),
		step("edit-beats PROJECT FILE", "Replace the beat sheet with one read from a JSON file", 2,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, args []string) (any, error) {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return nil, err
				}
				var sheet screenplay.BeatSheet
				if err := json.Unmarshal(data, &sheet); err != nil {
					return nil, fmt.Errorf("%w: %s: %v", screenplay.ErrInvalidInput, args[0], err)
				}
				return nilIfEmpty(svc.UpdateBeatSheet(ctx, o, sheet))
			}),
		step("outline PROJECT", "Build the scene outlines", 1,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, _ []string) (any, error) {
				return nilIfEmpty(svc.CreateSceneOutlines(ctx, o))
			}),
		step("write PROJECT", "Write the next scene", 1,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, _ []string) (any, error) {
				return nilIfEmpty(svc.WriteNextScene(ctx, o))
			}),
		step("expand PROJECT SCENE", "Lengthen a written scene", 2,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, args []string) (any, error) {
				n, err := sceneNumber(args[0])
				if err != nil {
					return nil, err
				}
				return nilIfEmpty(svc.ExpandScene(ctx, o, n))
			}),
		reviseCmd,
		step("approve PROJECT SCENE", "Mark a scene approved", 2,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, args []string) (any, error) {
				n, err := sceneNumber(args[0])
				if err != nil {
					return nil, err
				}
				return nilIfEmpty(svc.ApproveScene(ctx, o, n))
			}),
		step("optimize PROJECT", "Review the whole draft", 1,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, _ []string) (any, error) {
				return nilIfEmpty(svc.Optimize(ctx, o))
			}),
		step("finalize PROJECT", "Mark the screenplay completed", 1,
			func(ctx context.Context, svc *screenplay.Service, o *session.Orchestrator, _ []string) (any, error) {
				return nilIfEmpty(svc.Finalize(ctx, o))
			}),
		c.exportCmd(),
	)
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export PROJECT",
		Short: "Print the screenplay as text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProject(cmd, args[0], func(ctx context.Context, a *app.App, o *session.Orchestrator) error {
				doc, err := a.Screenplays.Get(ctx, o)
				if err != nil {
					return err
				}
				if ok, err := c.printJSON(cmd, doc); ok {
					return err
				}
				text := screenplay.Format(doc)
				if output == "" {
					_, err = fmt.Fprint(cmd.OutOrStdout(), text)
					return err
				}
				return os.WriteFile(output, []byte(text), 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

// printJSONAlways writes v as indented JSON regardless of --json; step
// results have no table form.
func (c *cli) printJSONAlways(cmd *cobra.Command, v any) error {
	saved := c.jsonOut
	c.jsonOut = true
	defer func() { c.jsonOut = saved }()
	_, err := c.printJSON(cmd, v)
	return err
}

// nilIfEmpty turns a typed nil pointer into an untyped nil so callers can
// test the result against nil.
func nilIfEmpty[T any](v *T, err error) (any, error) {
	if v == nil {
		return nil, err
	}
	return v, err
}

func sceneNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: scene number %q", screenplay.ErrInvalidInput, s)
	}
	return n, nil
}
