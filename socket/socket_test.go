package socket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/addr"
)

func localBind(t *testing.T) addr.SocketAddress {
	t.Helper()
	a, err := addr.FromNetIP([]byte{127, 0, 0, 1}, 0)
	require.NoError(t, err)
	return a
}

func TestSendRecvRoundTrip(t *testing.T) {
	ln, err := Listen(localBind(t), 0xABCD, nil)
	require.NoError(t, err)
	defer ln.Close()

	bound, err := ln.Addr()
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() {
		defer wg.Done()
		sock, err := ln.Accept()
		if err != nil {
			serverErr = err
			return
		}
		defer sock.Close()
		buf := make([]byte, 32)
		n, err := sock.Recv(buf)
		if err != nil {
			serverErr = err
			return
		}
		serverErr = sock.Send(buf[:n])
	}()

	cli, err := Connect(bound, 0xABCD, nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Send([]byte("hello")))
	buf := make([]byte, 32)
	n, err := cli.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	wg.Wait()
	require.NoError(t, serverErr)
}

// a connection presenting the wrong magic is dropped silently; Accept keeps
// serving and returns the next, correctly-handshaken connection.
func TestAcceptDropsWrongMagic(t *testing.T) {
	ln, err := Listen(localBind(t), 0xABCD, nil)
	require.NoError(t, err)
	defer ln.Close()
	bound, err := ln.Addr()
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		sock, err := ln.Accept()
		if err == nil {
			sock.Close()
		}
		accepted <- err
	}()

	bad, err := Connect(bound, 0xDEAD, nil)
	require.NoError(t, err)
	bad.Close()

	good, err := Connect(bound, 0xABCD, nil)
	require.NoError(t, err)
	defer good.Close()

	require.NoError(t, <-accepted)
}

func TestRecvTruncated(t *testing.T) {
	ln, err := Listen(localBind(t), 0x1, nil)
	require.NoError(t, err)
	defer ln.Close()
	bound, err := ln.Addr()
	require.NoError(t, err)

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()
		sock.Send([]byte("this is more than four bytes"))
	}()

	cli, err := Connect(bound, 0x1, nil)
	require.NoError(t, err)
	defer cli.Close()

	buf := make([]byte, 4)
	_, err = cli.Recv(buf)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestAbortUnblocksAccept(t *testing.T) {
	af := abort.New()
	ln, err := Listen(localBind(t), 0x1, af)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	af.Set()

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsAbort(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not unblock after abort")
	}
}
