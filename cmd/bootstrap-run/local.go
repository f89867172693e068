package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sochinpub/nccl-bootstrap/launch"
)

func newLocalCmd() *cobra.Command {
	var nranks int
	cmd := &cobra.Command{
		Use:   "local",
		Short: "run N in-process ranks sharing one handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := launch.Local(nranks)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("rank %d: FAILED: %v\n", r.Rank, r.Err)
					continue
				}
				fmt.Printf("rank %d: ring peers %v\n", r.Rank, r.Peers)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&nranks, "np", 4, "number of ranks to run")
	return cmd
}
