// Command bootstrap-run exercises the bootstrap control plane end to end:
// its "local" subcommand fans a communicator out across goroutines in one
// process, its "worker" subcommand joins a communicator whose handle it
// receives over the environment, and its "ssh" subcommand drives "worker"
// on a list of remote hosts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sochinpub/nccl-bootstrap/log"
)

func main() {
	root := &cobra.Command{
		Use:   "bootstrap-run",
		Short: "drive the bootstrap control plane locally or over a cluster",
	}
	root.AddCommand(newLocalCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newSSHCmd())

	if err := root.Execute(); err != nil {
		log.Errorf("bootstrap-run: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
