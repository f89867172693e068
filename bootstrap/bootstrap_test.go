package bootstrap_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/bootstrap"
)

// spawnRanks runs bootstrap.Init for every rank in [0, nranks) concurrently
// against a single freshly minted Handle and returns the resulting States
// in rank order. Any Init failure fails the test immediately.
func spawnRanks(t *testing.T, nranks int) ([]*bootstrap.State, []*abort.Flag) {
	t.Helper()
	handle, err := bootstrap.GetUniqueId()
	require.NoError(t, err)

	states := make([]*bootstrap.State, nranks)
	flags := make([]*abort.Flag, nranks)
	errs := make([]error, nranks)

	var wg sync.WaitGroup
	for r := 0; r < nranks; r++ {
		r := r
		flags[r] = abort.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[r], errs[r] = bootstrap.Init(handle, r, nranks, flags[r], nil)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d Init failed", r)
	}
	return states, flags
}

func closeAll(t *testing.T, states []*bootstrap.State) {
	t.Helper()
	for r, s := range states {
		require.NoErrorf(t, s.Close(), "rank %d Close failed", r)
	}
}

// S1: a single-rank communicator initializes through the root like any
// other (its ring successor is itself) and every collective is a no-op.
func TestSingleRankInit(t *testing.T) {
	states, _ := spawnRanks(t, 1)
	require.Equal(t, 0, states[0].Rank())
	require.Equal(t, 1, states[0].NRanks())

	require.NoError(t, states[0].AllGather(make([]byte, 4), 4))
	require.NoError(t, states[0].Barrier([]int{0}, 0, 1, 1))

	closeAll(t, states)
}

// S2: a four-rank ring all-gather distributes every rank's contribution to
// every other rank.
func TestRingAllGather(t *testing.T) {
	const n = 4
	states, _ := spawnRanks(t, n)

	size := 4
	data := make([]byte, n*size)
	for r, s := range states {
		_ = s
		copy(data[r*size:(r+1)*size], []byte{byte(r), byte(r), byte(r), byte(r)})
	}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		r := r
		buf := make([]byte, n*size)
		copy(buf[r*size:(r+1)*size], []byte{byte(r), byte(r), byte(r), byte(r)})
		results[r] = buf
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[r] = states[r].AllGather(results[r], size)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d AllGather failed", r)
	}
	for r := 0; r < n; r++ {
		for i := 0; i < n; i++ {
			require.Equal(t, byte(i), results[r][i*size], "rank %d slot %d", r, i)
		}
	}

	closeAll(t, states)
}

// S3: a tagged Send that arrives before its matching Recv is issued is
// parked on the unexpected-connection queue and later delivered in order.
func TestTaggedP2PUnexpectedQueue(t *testing.T) {
	const n = 4
	states, _ := spawnRanks(t, n)

	// rank 1 sends to rank 0 on two different tags before rank 0 calls Recv
	// for either. Recv(1, 20) parks the tag-10 connection on rank 0's
	// unexpected queue if it is accepted first; Recv(1, 10) then takes it
	// from the queue.
	done := make(chan error, 2)
	go func() { done <- states[1].Send(0, 10, []byte("first")) }()
	go func() { done <- states[1].Send(0, 20, []byte("second")) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// give both sends a moment to land on rank 0's listener before Recv
	// starts accepting them.
	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, 16)
	n2, err := states[0].Recv(1, 20, buf)
	require.NoError(t, err)
	require.Equal(t, "second", string(buf[:n2]))

	n1, err := states[0].Recv(1, 10, buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf[:n1]))

	closeAll(t, states)
}

// S4: an eight-rank dissemination barrier completes without error on every
// rank. The number of rounds is not observed here.
func TestBarrierEightRanks(t *testing.T) {
	const n = 8
	states, _ := spawnRanks(t, n)

	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[r] = states[r].Barrier(ranks, r, n, 99)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d Barrier failed", r)
	}

	closeAll(t, states)
}

// S6: Abort unblocks a Recv that would otherwise block forever waiting for
// a peer that never sends: the blocked Recv returns an error.
func TestAbortUnblocksRecv(t *testing.T) {
	const n = 2
	states, flags := spawnRanks(t, n)

	recvErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := states[0].Recv(1, 123, buf)
		recvErr <- err
	}()

	time.Sleep(100 * time.Millisecond)
	flags[0].Set()
	require.NoError(t, states[0].Abort())

	select {
	case err := <-recvErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock after Abort")
	}

	// rank 1 never got a reply; Abort it too so the test doesn't leak its
	// listener goroutine.
	require.NoError(t, states[1].Abort())
}
