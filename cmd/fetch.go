package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url>",
		Short: "Prints one URL as markdown",
		Long: `Resolves a single URL through the same pipeline the server uses and writes
the markdown to stdout. The provenance is reported on stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: runFetchCommand,
	}
}

func runFetchCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if timeout := appInstance.Config().RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := appInstance.Resolver().Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(cmd.OutOrStdout(), resp.Result.Markdown); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "source: %s\n", resp.Result.Provenance)
	return nil
}
