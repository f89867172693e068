package bootstrap

import (
	"sync"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/proxy"
	"github.com/sochinpub/nccl-bootstrap/socket"
)

// unexpectedConn is one entry in the unexpected-connection queue: an
// accepted tagged connection whose (peer, tag) did not match any pending
// Recv at arrival time. Grounded on struct unexConn in
// original_source/src/bootstrap.cc; a plain slice stands in for the
// reference's singly linked list, per spec.md §9's note that a simple
// ordered sequence suffices.
type unexpectedConn struct {
	peer int
	tag  int
	sock *socket.Socket
}

// State is the per-rank, per-communicator bootstrap state: the ring
// sockets, the all-gathered address tables, and the unexpected-connection
// queue. It is created by Init or Split and torn down by Close or Abort.
type State struct {
	mu sync.Mutex

	rank   int
	nranks int
	magic  uint64

	listenSock   *socket.Listener
	ringRecvSock *socket.Socket
	ringSendSock *socket.Socket

	peerCommAddresses  []addr.SocketAddress
	peerProxyAddresses []addr.SocketAddress

	unexpected []unexpectedConn

	sharedProxy *proxy.Shared

	abortFlag *abort.Flag
	closed    bool
}

// Rank returns this state's rank.
func (s *State) Rank() int { return s.rank }

// NRanks returns the communicator's size.
func (s *State) NRanks() int { return s.nranks }

// PeerCommAddr returns the rank-to-rank listening address of peer.
func (s *State) PeerCommAddr(peer int) addr.SocketAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCommAddresses[peer]
}

// PeerProxyAddr returns the proxy address of peer.
func (s *State) PeerProxyAddr(peer int) addr.SocketAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerProxyAddresses[peer]
}

// SharedProxy returns a handle on this state's proxy service, for passing
// to Split as SplitOptions.SharedProxy so the child inherits it (spec.md
// §4.5 step 5) instead of starting its own. Split itself calls Retain on
// whatever it's given, so this does not bump the reference count — it
// just hands out the same underlying counter for Split to retain from.
// Returns nil if this state has no proxy (ProxyInit was never called, or
// initialization failed).
func (s *State) SharedProxy() *proxy.Shared {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharedProxy
}

// AbortFlag exposes the shared cancellation signal so callers can trigger
// Abort's effect (unblocking in-flight operations) before calling Abort
// itself, or pass the same flag to a data-plane transport.
func (s *State) AbortFlag() *abort.Flag { return s.abortFlag }

// enqueueUnexpected appends a parked connection. FIFO among matches per
// invariant 4: always appended at the tail, always dequeued from the
// front by dequeueUnexpected's linear scan.
func (s *State) enqueueUnexpected(peer, tag int, sock *socket.Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unexpected = append(s.unexpected, unexpectedConn{peer: peer, tag: tag, sock: sock})
}

// dequeueUnexpected removes and returns the first queued connection whose
// (peer, tag) matches, if any.
func (s *State) dequeueUnexpected(peer, tag int) (*socket.Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.unexpected {
		if u.peer == peer && u.tag == tag {
			s.unexpected = append(s.unexpected[:i], s.unexpected[i+1:]...)
			return u.sock, true
		}
	}
	return nil, false
}

// unexpectedLen reports the current queue size.
func (s *State) unexpectedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unexpected)
}
