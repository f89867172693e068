package bootstrap

import (
	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/iface"
	"github.com/sochinpub/nccl-bootstrap/log"
	"github.com/sochinpub/nccl-bootstrap/proxy"
	"github.com/sochinpub/nccl-bootstrap/socket"
)

// splitTag is the parent-bootstrap tag reserved for Split's preliminary
// neighbor exchange, per spec.md §4.5 step 2.
const splitTag = -2

// SplitOptions controls how a child communicator shares resources with
// its parent.
type SplitOptions struct {
	// SharedProxy, if non-nil, is retained (ref-counted) instead of
	// creating a fresh proxy.Service for the child, per spec.md §4.5
	// step 5's "parent's configuration requests proxy-sharing" path.
	SharedProxy *proxy.Shared
	// ProxyInit is used only when SharedProxy is nil.
	ProxyInit proxy.Initializer
}

// Split derives a new BootstrapState for a sub-communicator of rank/nranks
// ranks, reusing parent's already-running bootstrap for the preliminary
// neighbor exchange instead of contacting a root. parentRanks[i] is the
// parent-rank-space identity of this child's rank i, in child ring order.
func Split(parent *State, parentRanks []int, rank, nranks int, af *abort.Flag, opts SplitOptions) (*State, error) {
	if af == nil {
		af = abort.New()
	}

	prev := parentRanks[mod(rank-1, nranks)]
	next := parentRanks[mod(rank+1, nranks)]

	// Split never contacts a root, so there is no rendezvous host to hint
	// from; it constrains to the same subnet the parent is already bound
	// to, keeping the child on the interface the parent's own Init
	// selected rather than falling back to NetInit's first-usable policy.
	parentAddr := parent.PeerCommAddr(parent.Rank())
	ifc, err := iface.Init(&parentAddr)
	if err != nil {
		return nil, wrap(ErrSystemError, err, "bootstrap: NetInit failed")
	}

	s := &State{rank: rank, nranks: nranks, magic: parent.magic, abortFlag: af}
	s.listenSock, err = socket.Listen(ifc.Addr, parent.magic, af)
	if err != nil {
		return nil, wrap(ErrSystemError, err, "bootstrap: split failed to create listenSock")
	}
	listenAddr, err := s.listenSock.Addr()
	if err != nil {
		s.listenSock.Close()
		return nil, wrap(ErrSystemError, err, "bootstrap: split failed to read listenSock address")
	}

	if err := parent.Send(prev, splitTag, encodeSocketAddress(listenAddr)); err != nil {
		s.listenSock.Close()
		return nil, err
	}
	buf := make([]byte, socketAddressWireSize)
	n, err := parent.Recv(next, splitTag, buf)
	if err != nil {
		s.listenSock.Close()
		return nil, err
	}
	if n != socketAddressWireSize {
		s.listenSock.Close()
		return nil, wrap(ErrInternalError, ErrInternalError, "bootstrap: split received truncated successor address")
	}
	successorAddr := decodeSocketAddress(buf)

	if err := formRing(s, successorAddr); err != nil {
		s.listenSock.Close()
		return nil, err
	}

	s.peerCommAddresses = make([]addr.SocketAddress, nranks)
	s.peerCommAddresses[rank] = listenAddr
	if err := s.allGather(s.peerCommAddresses); err != nil {
		s.closeSocketsBestEffort()
		return nil, err
	}

	rl := log.With("bootstrap", "split", "rank", rank)

	if opts.SharedProxy != nil {
		s.sharedProxy = opts.SharedProxy.Retain()
		rl.Debugf("sharing parent's proxy state")
		return s, nil
	}

	proxyInit := opts.ProxyInit
	if proxyInit == nil {
		proxyInit = proxy.Ping{}
	}
	if err := s.initProxy(ifc.Addr, proxyInit); err != nil {
		s.closeSocketsBestEffort()
		return nil, err
	}

	rl.Debugf("nranks %d prev %d next %d - DONE", nranks, prev, next)
	return s, nil
}
