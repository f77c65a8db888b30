package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/config"
	"github.com/rpggio/storyloom/internal/domain/session"
)

type cli struct {
	configPath string
	dbPath     string
	jsonOut    bool
	verbose    bool

	// opts are passed to app.Build; tests inject a provider here.
	opts []app.Option
}

func newRootCmd(opts ...app.Option) *cobra.Command {
	c := &cli{opts: opts}
	root := &cobra.Command{
		Use:           "loomctl",
		Short:         "Storyloom session CLI",
		Long:          "Create projects, upload sources, run workflow stages and inspect budgets and caches.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file (overrides STORYLOOM_CONFIG_PATH)")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print raw JSON instead of tables")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log at debug level to stderr")

	root.AddCommand(
		c.projectsCmd(),
		c.createCmd(),
		c.deleteCmd(),
		c.uploadCmd(),
		c.runCmd(),
		c.statusCmd(),
		c.cacheCmd(),
		c.activityCmd(),
		c.screenplayCmd(),
	)
	return root
}

// withApp builds the application for one command and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if c.configPath != "" {
		if err := os.Setenv("STORYLOOM_CONFIG_PATH", c.configPath); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.dbPath != "" {
		cfg.DB.Path = c.dbPath
	}
	cfg.Log.Path = ""
	cfg.Log.Level = "warn"
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	logger, closeLog, err := app.NewLogger(cfg.Log, true)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, logger, c.opts...)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

// withProject is withApp plus loading the project named by id.
func (c *cli) withProject(cmd *cobra.Command, id string, fn func(ctx context.Context, a *app.App, o *session.Orchestrator) error) error {
	return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
		o, err := a.Sessions.Load(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, a, o)
	})
}

// printJSON writes v indented when --json is set and reports whether it did.
func (c *cli) printJSON(cmd *cobra.Command, v any) (bool, error) {
	if !c.jsonOut {
		return false, nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
