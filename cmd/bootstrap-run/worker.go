package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/bootstrap"
)

// newWorkerCmd builds the subcommand the "ssh" launcher execs remotely.
// Unlike "local", it never calls bootstrap.GetUniqueId: the handle its
// launcher generated is handed down through COMM_ID/BOOTSTRAP_MAGIC so
// every rank shares the same magic cookie.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "join a communicator whose handle arrives via the environment",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, rank, nranks, err := handleFromEnv()
			if err != nil {
				return err
			}
			af := abort.New()
			s, err := bootstrap.Init(handle, rank, nranks, af, nil)
			if err != nil {
				return fmt.Errorf("bootstrap-run: worker: Init failed: %w", err)
			}
			defer s.Close()

			fmt.Printf("rank %d/%d ready, successor peer %s\n", rank, nranks, s.PeerCommAddr((rank+1)%nranks))
			return nil
		},
	}
}

func handleFromEnv() (bootstrap.Handle, int, int, error) {
	commID := os.Getenv("COMM_ID")
	if commID == "" {
		return bootstrap.Handle{}, 0, 0, fmt.Errorf("bootstrap-run: worker: COMM_ID not set")
	}
	a, err := addr.Parse(commID)
	if err != nil {
		return bootstrap.Handle{}, 0, 0, fmt.Errorf("bootstrap-run: worker: invalid COMM_ID: %w", err)
	}

	magicHex := os.Getenv("BOOTSTRAP_MAGIC")
	magicBytes, err := hex.DecodeString(magicHex)
	if err != nil || len(magicBytes) != 8 {
		return bootstrap.Handle{}, 0, 0, fmt.Errorf("bootstrap-run: worker: invalid BOOTSTRAP_MAGIC")
	}
	var magic uint64
	for i := 7; i >= 0; i-- {
		magic = magic<<8 | uint64(magicBytes[i])
	}

	rank, err := strconv.Atoi(os.Getenv("BOOTSTRAP_RANK"))
	if err != nil {
		return bootstrap.Handle{}, 0, 0, fmt.Errorf("bootstrap-run: worker: invalid BOOTSTRAP_RANK")
	}
	nranks, err := strconv.Atoi(os.Getenv("BOOTSTRAP_NRANKS"))
	if err != nil {
		return bootstrap.Handle{}, 0, 0, fmt.Errorf("bootstrap-run: worker: invalid BOOTSTRAP_NRANKS")
	}

	return bootstrap.Handle{Address: a, Magic: magic}, rank, nranks, nil
}
