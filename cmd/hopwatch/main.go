package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkjaer/hopwatch/internal/config"
	"github.com/tkjaer/hopwatch/internal/version"
)

// Exit codes
const (
	exitOK          = 0
	exitUsage       = 1
	exitUnresolved  = 2
	exitPermission  = 3
	exitUnsupported = 4
)

// exitError carries the process exit code of a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

func newRootCmd() *cobra.Command {
	var args config.Args

	cmd := &cobra.Command{
		Use:   "hopwatch [flags] TARGET...",
		Short: "Continuous multi-flow traceroute",
		Long: `hopwatch - continuous multi-flow traceroute

hopwatch probes every hop towards one or more targets over ICMP, UDP or TCP,
keeping per-hop loss, latency and jitter statistics. Each of up to 255 flows
holds its ECMP hash inputs constant, so every flow follows one path.

Examples:
  hopwatch <target>                         # ICMP probes every second
  hopwatch -P udp --flows 8 <target>        # 8 ECMP flows over UDP
  hopwatch -c 10 --pmtud -J <target>        # 10 rounds plus PMTUD, document to stdout
  hopwatch -j ./runs --ndjson <t1> <t2>     # stream snapshots, save document
  hopwatch --replay run.json                # re-emit a saved session

While running, SIGUSR1 toggles pause and SIGUSR2 resets the statistics.`,
		Version:       version.FullVersion(),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.Targets = positional
			if err := args.Complete(cmd.Flags()); err != nil {
				return fail(exitUsage, err)
			}
			return run(cmd.Context(), args)
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	config.RegisterFlags(cmd.Flags(), &args)
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.FullVersion())
		},
	}
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
