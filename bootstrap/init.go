package bootstrap

import (
	"time"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/iface"
	"github.com/sochinpub/nccl-bootstrap/log"
	"github.com/sochinpub/nccl-bootstrap/proxy"
	"github.com/sochinpub/nccl-bootstrap/socket"
)

// staggerThreshold is the nranks above which Init staggers its initial
// connect to the root by rank milliseconds, per spec.md §4.4 step 3.
const staggerThreshold = 128

// Init performs the full rank bootstrap procedure against handle: contact
// the root, receive the ring successor, form the ring, and all-gather
// every rank's comm- and proxy-address. af may be nil if the caller has no
// use for cooperative abort (a fresh abort.New() is substituted).
func Init(handle Handle, rank, nranks int, af *abort.Flag, proxyInit proxy.Initializer) (*State, error) {
	if af == nil {
		af = abort.New()
	}
	if proxyInit == nil {
		proxyInit = proxy.Ping{}
	}

	// handle.Address names the rendezvous host; constraining interface
	// selection to its subnet (spec.md §6's "If set at NetInit time, the
	// bootstrap interface is constrained to the subnet matching this
	// host") matters most for a rank started on a different machine than
	// the one that called GetUniqueId, via COMM_ID — exactly the
	// cmd/bootstrap-run ssh path.
	ifc, err := iface.Init(&handle.Address)
	if err != nil {
		return nil, wrap(ErrSystemError, err, "bootstrap: NetInit failed")
	}

	s := &State{rank: rank, nranks: nranks, magic: handle.Magic, abortFlag: af}

	s.listenSock, err = socket.Listen(ifc.Addr, handle.Magic, af)
	if err != nil {
		return nil, wrap(ErrSystemError, err, "bootstrap: failed to create listenSock")
	}
	listenCommAddr, err := s.listenSock.Addr()
	if err != nil {
		s.listenSock.Close()
		return nil, wrap(ErrSystemError, err, "bootstrap: failed to read listenSock address")
	}

	listenSockRoot, err := socket.Listen(ifc.Addr, handle.Magic, af)
	if err != nil {
		s.listenSock.Close()
		return nil, wrap(ErrSystemError, err, "bootstrap: failed to create listenSockRoot")
	}
	listenRootAddr, err := listenSockRoot.Addr()
	if err != nil {
		s.listenSock.Close()
		listenSockRoot.Close()
		return nil, wrap(ErrSystemError, err, "bootstrap: failed to read listenSockRoot address")
	}

	rl := log.With("bootstrap", "init", "rank", rank)
	if nranks > staggerThreshold {
		rl.Debugf("delaying connection to root by %d msec", rank)
		time.Sleep(time.Duration(rank) * time.Millisecond)
	}

	info := extInfo{
		Rank:           int32(rank),
		NRanks:         int32(nranks),
		ListenRootAddr: listenRootAddr,
		ListenCommAddr: listenCommAddr,
	}
	if err := sendExtInfoToRoot(handle, info, af); err != nil {
		s.listenSock.Close()
		listenSockRoot.Close()
		return nil, err
	}

	nextAddr, err := receiveSuccessorFromRoot(listenSockRoot)
	listenSockRoot.Close()
	if err != nil {
		s.listenSock.Close()
		return nil, err
	}

	if err := formRing(s, nextAddr); err != nil {
		s.listenSock.Close()
		return nil, err
	}

	s.peerCommAddresses = make([]addr.SocketAddress, nranks)
	s.peerCommAddresses[rank] = listenCommAddr
	if err := s.allGather(s.peerCommAddresses); err != nil {
		s.closeSocketsBestEffort()
		return nil, err
	}

	if err := s.initProxy(ifc.Addr, proxyInit); err != nil {
		s.closeSocketsBestEffort()
		return nil, err
	}

	rl.Debugf("nranks %d - DONE", nranks)
	return s, nil
}

func sendExtInfoToRoot(handle Handle, info extInfo, af *abort.Flag) error {
	sock, err := socket.Connect(handle.Address, handle.Magic, af)
	if err != nil {
		return wrap(ErrSystemError, err, "bootstrap: failed to connect to root")
	}
	defer sock.Close()
	if err := sock.Send(info.encode()); err != nil {
		return wrap(ErrSystemError, err, "bootstrap: failed to send extInfo to root")
	}
	return nil
}

func receiveSuccessorFromRoot(listenSockRoot *socket.Listener) (addr.SocketAddress, error) {
	sock, err := listenSockRoot.Accept()
	if err != nil {
		return addr.SocketAddress{}, wrap(ErrSystemError, err, "bootstrap: failed to accept root callback")
	}
	defer sock.Close()
	buf := make([]byte, socketAddressWireSize)
	n, err := sock.Recv(buf)
	if err != nil {
		return addr.SocketAddress{}, wrap(ErrSystemError, err, "bootstrap: failed to receive successor address")
	}
	if n != socketAddressWireSize {
		return addr.SocketAddress{}, wrap(ErrInternalError, ErrInternalError, "bootstrap: truncated successor address")
	}
	return decodeSocketAddress(buf), nil
}

// formRing connects ringSendSock to the successor and accepts
// ringRecvSock from the predecessor, both persistent for the
// communicator's lifetime (invariant 1).
func formRing(s *State, nextAddr addr.SocketAddress) error {
	var err error
	s.ringSendSock, err = socket.Connect(nextAddr, s.magic, s.abortFlag)
	if err != nil {
		return wrap(ErrSystemError, err, "bootstrap: failed to connect ringSendSock")
	}
	s.ringRecvSock, err = s.listenSock.Accept()
	if err != nil {
		return wrap(ErrSystemError, err, "bootstrap: failed to accept ringRecvSock")
	}
	return nil
}

// initProxy creates the local proxy listener, all-gathers every rank's
// proxy address, and hands the table off to proxyInit, per spec.md §4.4
// step 8.
func (s *State) initProxy(bindAddr addr.SocketAddress, proxyInit proxy.Initializer) error {
	proxyLn, err := socket.Listen(bindAddr, s.magic, s.abortFlag)
	if err != nil {
		return wrap(ErrSystemError, err, "bootstrap: failed to create proxy listener")
	}
	proxyAddr, err := proxyLn.Addr()
	if err != nil {
		proxyLn.Close()
		return wrap(ErrSystemError, err, "bootstrap: failed to read proxy listener address")
	}

	s.peerProxyAddresses = make([]addr.SocketAddress, s.nranks)
	s.peerProxyAddresses[s.rank] = proxyAddr
	if err := s.allGather(s.peerProxyAddresses); err != nil {
		proxyLn.Close()
		return err
	}

	svc, err := proxyInit.Init(proxyLn, s.peerProxyAddresses)
	if err != nil {
		proxyLn.Close()
		return wrap(ErrSystemError, err, "bootstrap: ProxyInit failed")
	}
	// Wrapped in a Shared, with a reference count of 1, even for a plain
	// Init (not just Split's inherit path): that way SharedProxy() always
	// has something to hand a later Split, whether this rank is itself a
	// root communicator or was already spliced from one.
	s.sharedProxy = proxy.NewShared(svc)
	return nil
}

func (s *State) closeSocketsBestEffort() {
	if s.listenSock != nil {
		s.listenSock.Close()
	}
	if s.ringSendSock != nil {
		s.ringSendSock.Close()
	}
	if s.ringRecvSock != nil {
		s.ringRecvSock.Close()
	}
}
