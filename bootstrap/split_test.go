package bootstrap_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/bootstrap"
)

// S5: splitting a four-rank communicator into two two-rank halves derives
// each child entirely from the parent's already-running bootstrap, with no
// further contact with a root.
func TestSplitIntoTwoHalves(t *testing.T) {
	const n = 4
	parents, _ := spawnRanks(t, n)

	groups := [][]int{{0, 1}, {2, 3}}
	groupOf := map[int]int{0: 0, 1: 0, 2: 1, 3: 1}
	localRank := map[int]int{0: 0, 1: 1, 2: 0, 3: 1}

	children := make([]*bootstrap.State, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for p := 0; p < n; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := groupOf[p]
			children[p], errs[p] = bootstrap.Split(
				parents[p], groups[g], localRank[p], len(groups[g]), abort.New(), bootstrap.SplitOptions{})
		}()
	}
	wg.Wait()
	for p, err := range errs {
		require.NoErrorf(t, err, "rank %d Split failed", p)
	}

	// each child communicator all-gathers independently of the other.
	size := 4
	var wg2 sync.WaitGroup
	gatherErrs := make([]error, n)
	results := make([][]byte, n)
	for p := 0; p < n; p++ {
		p := p
		buf := make([]byte, len(groups[groupOf[p]])*size)
		lr := localRank[p]
		copy(buf[lr*size:(lr+1)*size], []byte{byte(p), byte(p), byte(p), byte(p)})
		results[p] = buf
		wg2.Add(1)
		go func() {
			defer wg2.Done()
			gatherErrs[p] = children[p].AllGather(results[p], size)
		}()
	}
	wg2.Wait()
	for p, err := range gatherErrs {
		require.NoErrorf(t, err, "rank %d child AllGather failed", p)
	}

	// within group 0, rank 0's table should hold both {0,1}'s contributions.
	require.Equal(t, byte(0), results[0][0])
	require.Equal(t, byte(1), results[0][size])
	require.Equal(t, byte(2), results[2][0])
	require.Equal(t, byte(3), results[2][size])

	for p, c := range children {
		require.NoErrorf(t, c.Close(), "rank %d child Close failed", p)
	}
	for p, s := range parents {
		require.NoErrorf(t, s.Close(), "rank %d parent Close failed", p)
	}
}

// S5b: a child that inherits its parent's proxy via SplitOptions.SharedProxy
// shares one underlying proxy.Service with the parent; closing the child
// first must not tear it down out from under the still-running parent.
func TestSplitSharesParentProxy(t *testing.T) {
	const n = 2
	parents, _ := spawnRanks(t, n)

	groups := []int{0, 1}
	children := make([]*bootstrap.State, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for p := 0; p < n; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			children[p], errs[p] = bootstrap.Split(
				parents[p], groups, p, n, abort.New(),
				bootstrap.SplitOptions{SharedProxy: parents[p].SharedProxy()})
		}()
	}
	wg.Wait()
	for p, err := range errs {
		require.NoErrorf(t, err, "rank %d Split failed", p)
	}

	for p, c := range children {
		require.NoErrorf(t, c.Close(), "rank %d child Close failed", p)
	}
	for p, s := range parents {
		require.NoErrorf(t, s.Close(), "rank %d parent Close failed", p)
	}
}
