// brokerd routes calls between service instances connected to it.
//
// Each subcommand lives in its own file: broker (cmd_broker.go) runs the
// broker, call (call.go) issues one request against a running broker and
// version prints build information.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "brokerd",
		Short: "Service mesh broker",
		Long: `Route calls between service instances:

  - instances register the services they expose at setup
  - calls are resolved by service, endpoint or sticky binding
  - unresolved calls fall back to upstream brokers`,
		SilenceUsage: true,
	}
	root.AddCommand(newBrokerCmd(), newCallCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "brokerd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
