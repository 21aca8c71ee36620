package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kleros/lifi-sdk/internal/config"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/status"
	"github.com/kleros/lifi-sdk/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{stdout: stdout, stderr: stderr}
}

func (r *Runner) Run(args []string) int {
	root := r.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
	}
	return clierr.ExitCode(err)
}

func (r *Runner) newRootCommand() *cobra.Command {
	flags := &config.GlobalFlags{}
	root := &cobra.Command{
		Use:           version.CLIName,
		Short:         "Execute cross-chain transfer steps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flags.APIBaseURL, "api-base-url", "", "transfer API base URL")
	root.PersistentFlags().StringVar(&flags.Timeout, "timeout", "", "HTTP timeout (e.g. 30s)")
	root.PersistentFlags().IntVar(&flags.Retries, "retries", 0, "HTTP retry count")

	root.AddCommand(r.newTransferCommand(flags))
	root.AddCommand(r.newExecutionsCommand(flags))
	root.AddCommand(r.newVersionCommand())
	return root
}

func (r *Runner) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(r.stdout, version.Long())
			return nil
		},
	}
}

func (r *Runner) newExecutionsCommand(flags *config.GlobalFlags) *cobra.Command {
	executions := &cobra.Command{
		Use:   "executions",
		Short: "Inspect recorded transfer executions",
	}

	var listStatus string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := r.openStore(*flags)
			if err != nil {
				return err
			}
			defer store.Close()
			steps, err := store.List(listStatus, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list executions", err)
			}
			return r.printJSON(steps)
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "filter by execution status")
	list.Flags().IntVar(&listLimit, "limit", 20, "maximum rows")

	show := &cobra.Command{
		Use:   "show <step-id>",
		Short: "Show one recorded execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := r.openStore(*flags)
			if err != nil {
				return err
			}
			defer store.Close()
			step, err := store.Get(args[0])
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load execution", err)
			}
			return r.printJSON(step)
		},
	}

	executions.AddCommand(list, show)
	return executions
}

func (r *Runner) openStore(flags config.GlobalFlags) (*status.Store, error) {
	settings, err := config.Resolve(flags)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve configuration", err)
	}
	store, err := status.OpenStore(settings.StorePath, settings.StoreLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open execution store", err)
	}
	return store, nil
}

func (r *Runner) printJSON(v any) error {
	encoder := json.NewEncoder(r.stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode output", err)
	}
	return nil
}
