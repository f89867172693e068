// Package launch implements the two rank-launching strategies
// cmd/bootstrap-run exposes: an in-process fan-out sharing one handle
// directly, and a remote fan-out over SSH that hands each host a
// serialized handle via the environment.
package launch

import (
	"fmt"
	"sync"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/bootstrap"
	"github.com/sochinpub/nccl-bootstrap/log"
)

// RankResult is what one in-process rank reports back after initializing
// and tearing down its communicator.
type RankResult struct {
	Rank  int
	Peers []string
	Err   error
}

// Local spawns nranks goroutines that all call bootstrap.Init against a
// single freshly minted handle, record the peer comm-address table that
// Init all-gathered, then Close. It backs the CLI's "local" subcommand.
func Local(nranks int) ([]RankResult, error) {
	handle, err := bootstrap.GetUniqueId()
	if err != nil {
		return nil, fmt.Errorf("launch: GetUniqueId failed: %w", err)
	}
	log.Infof("launch: local run, handle=%s nranks=%d", handle.Address, nranks)

	results := make([]RankResult, nranks)
	var wg sync.WaitGroup
	for r := 0; r < nranks; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r] = runOneRank(handle, r, nranks)
		}()
	}
	wg.Wait()
	return results, nil
}

func runOneRank(handle bootstrap.Handle, rank, nranks int) RankResult {
	af := abort.New()
	s, err := bootstrap.Init(handle, rank, nranks, af, nil)
	if err != nil {
		return RankResult{Rank: rank, Err: err}
	}
	defer s.Close()

	peers := make([]string, nranks)
	for i := 0; i < nranks; i++ {
		peers[i] = s.PeerCommAddr(i).String()
	}
	return RankResult{Rank: rank, Peers: peers}
}
