package bootstrap

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/log"
	"github.com/sochinpub/nccl-bootstrap/socket"
)

// root is the transient rendezvous service spec.md §4.3 describes: it
// collects one extInfo per rank (Phase A) then distributes each rank's
// ring successor address (Phase B), then exits. Grounded on
// bootstrapRoot/bootstrapCreateRoot in original_source/src/bootstrap.cc.
type root struct {
	addr addr.SocketAddress
}

// createRoot binds a listener at h.Address, starts the root service on a
// detached goroutine (mirroring pthread_create+pthread_detach), and
// returns once the listener is bound and its address known. The caller
// never joins the goroutine; it runs until every rank has been served.
func createRoot(h Handle) (*root, error) {
	ln, err := socket.Listen(h.Address, h.Magic, nil)
	if err != nil {
		return nil, wrap(ErrSystemError, err, "bootstrap: root failed to listen")
	}
	bound, err := ln.Addr()
	if err != nil {
		ln.Close()
		return nil, wrap(ErrSystemError, err, "bootstrap: root failed to read bound address")
	}
	go runRoot(ln, h.Magic)
	return &root{addr: bound}, nil
}

func runRoot(ln *socket.Listener, magic uint64) {
	defer ln.Close()

	rl := log.With("bootstrap", "root", "session", uuid.New())
	if err := raiseFileLimit(); err != nil {
		rl.Warnf("failed to raise RLIMIT_NOFILE: %v", err)
	}

	rl.Debugf("BEGIN")
	commAddrs, rootAddrs, err := rootCollect(ln, rl)
	if err != nil {
		rl.Warnf("collect phase failed: %v", err)
		return
	}
	if err := rootDistribute(rootAddrs, commAddrs, magic, rl); err != nil {
		rl.Warnf("distribute phase failed: %v", err)
		return
	}
	rl.Debugf("DONE")
}

// rootCollect implements Phase A: repeatedly accept one short-lived
// connection, receive one extInfo, close, until nranks ranks have checked
// in. commAddrs[r] / rootAddrs[r] start at addr.Zero so a duplicate
// check-in (a non-zero slot arriving again) is detectable per invariant 2.
func rootCollect(ln *socket.Listener, rl *log.Logger) (commAddrs, rootAddrs []addr.SocketAddress, err error) {
	var nranks int
	checkedIn := 0
	for {
		sock, err := ln.Accept()
		if err != nil {
			return nil, nil, errors.Wrap(err, "accept failed")
		}
		info, err := recvExtInfo(sock)
		sock.Close()
		if err != nil {
			return nil, nil, errors.Wrap(err, "recv extInfo failed")
		}

		if checkedIn == 0 {
			nranks = int(info.NRanks)
			if nranks <= 0 {
				return nil, nil, errors.Errorf("invalid nranks %d reported by rank %d", nranks, info.Rank)
			}
			commAddrs = make([]addr.SocketAddress, nranks)
			rootAddrs = make([]addr.SocketAddress, nranks)
		}
		if int(info.NRanks) != nranks {
			return nil, nil, errors.Errorf("mismatch in rank count from procs %d : %d", nranks, info.NRanks)
		}
		if info.Rank < 0 || int(info.Rank) >= nranks {
			return nil, nil, errors.Errorf("rank %d out of range [0,%d)", info.Rank, nranks)
		}
		if !rootAddrs[info.Rank].IsZero() {
			return nil, nil, errors.Errorf("rank %d of %d ranks has already checked in", info.Rank, nranks)
		}
		rootAddrs[info.Rank] = info.ListenRootAddr
		commAddrs[info.Rank] = info.ListenCommAddr
		checkedIn++
		rl.With("rank", info.Rank).Debugf("checked in, total %d/%d", checkedIn, nranks)
		if checkedIn == nranks {
			return commAddrs, rootAddrs, nil
		}
	}
}

// rootDistribute implements Phase B: for every rank r in order, connect to
// its root-listener and send the comm-address of its ring successor.
func rootDistribute(rootAddrs, commAddrs []addr.SocketAddress, magic uint64, rl *log.Logger) error {
	nranks := len(rootAddrs)
	for r := 0; r < nranks; r++ {
		next := (r + 1) % nranks
		sock, err := socket.Connect(rootAddrs[r], magic, nil)
		if err != nil {
			return errors.Wrapf(err, "connect to rank %d's root listener failed", r)
		}
		err = sock.Send(encodeSocketAddress(commAddrs[next]))
		sock.Close()
		if err != nil {
			return errors.Wrapf(err, "send successor address to rank %d failed", r)
		}
	}
	rl.Debugf("sent out all %d handles", nranks)
	return nil
}

func recvExtInfo(sock *socket.Socket) (extInfo, error) {
	buf := make([]byte, extInfoWireSize)
	n, err := sock.Recv(buf)
	if err != nil {
		return extInfo{}, err
	}
	if n != extInfoWireSize {
		return extInfo{}, errors.New("short extInfo")
	}
	return decodeExtInfo(buf), nil
}

// raiseFileLimit bumps RLIMIT_NOFILE to its hard limit before the root
// briefly fields up to nranks sequential connections, per spec.md §4.3 and
// original_source/src/bootstrap.cc's setFilesLimit.
func raiseFileLimit() error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	rlim.Cur = rlim.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}
