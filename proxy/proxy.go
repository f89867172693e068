// Package proxy implements the ProxyInit contract bootstrap consumes
// after AllGathering the proxy address table (spec.md §4.4 step 8, §6).
// The real long-lived transport-thread proxy is out of scope for this
// module (spec.md §1's "Out of scope" list); Service is a minimal
// reference implementation — a keepalive ping responder, grounded on the
// teacher's rchannel/server.go ConnPing handler — that exists so
// bootstrap.Init/Split can be exercised end to end without a real GPU
// data plane. Production embedders supply their own Initializer.
package proxy

import (
	"sync/atomic"

	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/log"
	"github.com/sochinpub/nccl-bootstrap/socket"
)

// Service is a running proxy instance, returned by an Initializer.
type Service interface {
	// Close shuts the proxy down. Split may share one Service across
	// several BootstrapStates by reference counting; the last owner to
	// Close actually tears it down.
	Close() error
}

// Initializer mirrors ncclProxyInit: called once per communicator after
// bootstrap has all-gathered the proxy address table.
type Initializer interface {
	Init(listenSock *socket.Listener, peerProxyAddresses []addr.SocketAddress) (Service, error)
}

// Ping is the default Initializer: it serves the listening socket handed
// to it, answering each connection with whatever length-prefixed frame it
// received (an echo/keepalive), until closed.
type Ping struct{}

type pingService struct {
	ln   *socket.Listener
	done chan struct{}
}

func (Ping) Init(listenSock *socket.Listener, peerProxyAddresses []addr.SocketAddress) (Service, error) {
	svc := &pingService{ln: listenSock, done: make(chan struct{})}
	go svc.serve()
	return svc, nil
}

func (p *pingService) serve() {
	for {
		sock, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
				log.Debugf("proxy: accept failed: %v", err)
				return
			}
		}
		go p.handle(sock)
	}
}

func (p *pingService) handle(sock *socket.Socket) {
	defer sock.Close()
	buf := make([]byte, 4096)
	for {
		n, err := sock.Recv(buf)
		if err != nil {
			return
		}
		if err := sock.Send(buf[:n]); err != nil {
			return
		}
	}
}

func (p *pingService) Close() error {
	close(p.done)
	return p.ln.Close()
}

// Shared wraps a Service with a reference count so Split's "share the
// parent's proxy state" path (spec.md §4.5 step 5) can be expressed as an
// ordinary Go value: each Split that inherits calls Retain; each state's
// Close/Abort calls Release, and the underlying Service is closed only
// when the count reaches zero.
type Shared struct {
	svc Service
	n   *atomic.Int32
}

// NewShared wraps svc with an initial reference count of 1.
func NewShared(svc Service) *Shared {
	n := &atomic.Int32{}
	n.Store(1)
	return &Shared{svc: svc, n: n}
}

// Retain increments the reference count and returns a handle sharing the
// same underlying Service.
func (s *Shared) Retain() *Shared {
	s.n.Add(1)
	return &Shared{svc: s.svc, n: s.n}
}

// Release decrements the reference count, closing the underlying Service
// once it reaches zero.
func (s *Shared) Release() error {
	if s.n.Add(-1) <= 0 {
		return s.svc.Close()
	}
	return nil
}
