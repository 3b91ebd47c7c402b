package main

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vango-dev/wthr/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(execute(newRootCmd(), os.Args[1:]))
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		errors.PrintError(root.ErrOrStderr(), err)
		var ce *errors.CodedError
		if stderrors.As(err, &ce) && ce.Category == errors.CategoryCLI {
			fmt.Fprint(root.ErrOrStderr(), root.UsageString())
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "wthr <port>",
		Short: "Push daily weather forecasts to TCP clients",
		Long: `wthr listens on the given TCP port and, once per interval, sends every
connected client an hourly forecast for the place its IP address
geolocates to. Clients never send anything; they disconnect by closing
the connection.

Examples:
  wthr 8080
  wthr 8080 --interval=1h --metrics-addr=:9090
  wthr 8080 --fixed-location=34.7578,113.6486`,
		Args:          validateArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args[0], &opts)
		},
	}

	opts.bind(cmd)
	cmd.AddCommand(versionCmd())
	return cmd
}

func validateArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("W301").
			WithDetail(fmt.Sprintf("Expected exactly one argument, the port to listen on; got %d.", len(args)))
	}
	if _, err := net.LookupPort("tcp", args[0]); err != nil {
		return errors.New("W201").Wrap(err)
	}
	return nil
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// success prints a success message.
func success(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("✓"), fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", yellow("⚠"), fmt.Sprintf(format, args...))
}
