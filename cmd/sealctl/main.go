// Command sealctl administers a sealdb installation from the machine it is
// installed on: key status and password, database transforms, verification
// and secure email settings.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sealdb/internal/app"
	"sealdb/internal/config"
	"sealdb/internal/infrastructure"
)

// componentBuilder opens the domain layer for one command invocation
type componentBuilder func(ctx context.Context, logger *slog.Logger) (*app.Components, error)

type cli struct {
	build      componentBuilder
	verbose    bool
	components *app.Components
}

func main() {
	root, closeComponents := newRootCmd(buildComponents)
	ctx := infrastructure.EnsureTraceID(context.Background())

	err := root.ExecuteContext(ctx)
	if closeErr := closeComponents(ctx); closeErr != nil && err == nil {
		err = closeErr
		root.PrintErrln("Error:", closeErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The returned func drains the outbox
// and closes the database opened by whichever command ran.
func newRootCmd(build componentBuilder) (*cobra.Command, func(context.Context) error) {
	c := &cli{build: build}

	root := &cobra.Command{
		Use:          "sealctl",
		Short:        "Administer the sealed database",
		Version:      app.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.HasParent() || !cmd.Runnable() {
				return nil
			}
			level := slog.LevelWarn
			if c.verbose {
				level = slog.LevelDebug
			}
			logger := infrastructure.WithComponent(infrastructure.NewJSONLogger(cmd.ErrOrStderr(), level), "sealctl")

			components, err := c.build(cmd.Context(), logger)
			if err != nil {
				return err
			}
			c.components = components
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newKeyCmd(c),
		newDBCmd(c),
		newVerifyCmd(c),
		newSettingsCmd(c),
	)
	return root, c.close
}

func (c *cli) close(ctx context.Context) error {
	if c.components == nil {
		return nil
	}
	components := c.components
	c.components = nil
	return components.Close(ctx)
}

// buildComponents resolves configuration and paths exactly as the server does
func buildComponents(ctx context.Context, logger *slog.Logger) (*app.Components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	paths, err := config.GetPaths(cfg.Paths)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return app.NewComponents(ctx, cfg, paths, logger, nil)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
