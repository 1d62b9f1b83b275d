// Command phpy analyzes PHP sources with the DEVSENSE language server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// options holds the values of the command-line flags.
type options struct {
	configPath  string
	enginePath  string
	logLevel    string
	verbose     bool
	root        string
	include     []string
	exclude     []string
	concurrency int
	ready       string
	codeStyle   string
	format      bool
	noProgress  bool
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&options{}) }

func newRootCmdWith(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "phpy [path...]",
		Short:         "PHP code analysis tool",
		Long:          "phpy indexes PHP sources with the DEVSENSE analysis engine and prints the diagnostics it reports.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, opts, args)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default: phpy.yaml)")
	flags.StringVar(&opts.enginePath, "engine", "", "path to the language server executable")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable verbose output (same as --log-level debug)")
	flags.StringVarP(&opts.root, "root", "r", "", "root directory other paths are relative to (default: current directory)")
	flags.StringSliceVarP(&opts.include, "include", "i", nil, "files or directories (including sub-directories) to be indexed")
	flags.StringSliceVarP(&opts.exclude, "exclude", "x", nil, "files or directories to be excluded from indexing")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 0, "number of files being opened in parallel")
	flags.StringVar(&opts.ready, "ready", "", "readiness policy: immediate|debounced")
	flags.StringVar(&opts.codeStyle, "code-style", "", "formatting code style, e.g. PSR12")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "do not render the progress line")
	cmd.Flags().BoolVar(&opts.format, "format", false, "format the analyzed files and save them")

	cmd.AddCommand(newMCPCmd(opts))
	return cmd
}

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [path...]",
		Short: "Serve analysis tools over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, opts, args)
		},
	}
}
