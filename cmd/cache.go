package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/scribe-cli/pkg/transcription"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local meeting cache",
		Long: `Inspect or clear the local meeting cache without contacting the service.

The backend is set by cache.backend in the config file: file (default),
memory, redis or postgres.

Examples:
  scribe cache list
  scribe cache clear`,
	}

	cmd.AddCommand(newCacheListCommand(deps))
	cmd.AddCommand(newCacheClearCommand(deps))
	return cmd
}

// newCacheListCommand creates the 'cache list' subcommand.
func newCacheListCommand(deps *CommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List cached meetings",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			recs := app.Service.CachedMeetings()
			if ok, err := writeStructured(deps.Out, format, recs); ok {
				return err
			}
			writeMeetingTable(deps.Out, recs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// newCacheClearCommand creates the 'cache clear' subcommand.
func newCacheClearCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached meeting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			n := len(app.Service.CachedMeetings())
			app.Service.ClearCache()
			fmt.Fprintf(deps.Out, "Cleared %d cached meetings.\n", n)
			return nil
		},
	}
}
