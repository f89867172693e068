package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sochinpub/nccl-bootstrap/bootstrap"
	"github.com/sochinpub/nccl-bootstrap/launch"
)

func newSSHCmd() *cobra.Command {
	var hosts string
	var remoteBin string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ssh",
		Short: "start a root locally and launch one worker per remote host over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			hostList := strings.Split(hosts, ",")
			if len(hostList) == 0 || hosts == "" {
				return fmt.Errorf("bootstrap-run: ssh: --hosts is required")
			}

			handle, err := bootstrap.GetUniqueId()
			if err != nil {
				return fmt.Errorf("bootstrap-run: ssh: GetUniqueId failed: %w", err)
			}
			fmt.Printf("root started at %s, launching %d workers\n", handle.Address, len(hostList))

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return launch.SSH(ctx, hostList, handle, remoteBin, []string{"worker"})
		},
	}
	cmd.Flags().StringVar(&hosts, "hosts", "", "comma-separated list of [user@]host[:port]")
	cmd.Flags().StringVar(&remoteBin, "bin", "bootstrap-run", "path to this binary on each remote host")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall launch timeout")
	return cmd
}
