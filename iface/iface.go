// Package iface selects the one local network interface bootstrap traffic
// uses, grounded on the teacher's kungfu/runner/discovery.go (getIPv4Net,
// resolveIPv4) and the process-wide memoization in
// original_source/src/bootstrap.cc's bootstrapNetInit.
package iface

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/log"
)

// Interface is the selected bootstrap network interface.
type Interface struct {
	Name string
	Addr addr.SocketAddress
}

var (
	once   sync.Once
	cached Interface
	initErr error
)

// Init selects and memoizes the bootstrap interface for the lifetime of
// the process. If hint is non-nil, the single local interface whose
// subnet contains hint's address is chosen (subnet match against the
// rendezvous address); otherwise the first usable interface is chosen. Repeated calls
// return the cached result regardless of hint — selection happens once,
// exactly as spec.md §4.1 requires.
func Init(hint *addr.SocketAddress) (Interface, error) {
	once.Do(func() {
		cached, initErr = selectInterface(hint)
		if initErr != nil {
			return
		}
		log.Infof("bootstrap: using interface %s :: %s", cached.Name, cached.Addr)
	})
	return cached, initErr
}

// Reset clears the memoized selection. Exists for tests only; production
// code never calls it since NetInit is meant to run exactly once per
// process.
func Reset() {
	once = sync.Once{}
	cached = Interface{}
	initErr = nil
}

func selectInterface(hint *addr.SocketAddress) (Interface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return Interface{}, errors.Wrap(err, "iface: failed to enumerate interfaces")
	}
	if hint != nil {
		return selectBySubnet(ifs, *hint)
	}
	return selectFirstUsable(ifs)
}

func usableAddrs(ifi net.Interface) ([]net.Addr, bool) {
	if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
		return nil, false
	}
	addrs, err := ifi.Addrs()
	if err != nil || len(addrs) == 0 {
		return nil, false
	}
	return addrs, true
}

func selectFirstUsable(ifs []net.Interface) (Interface, error) {
	for _, ifi := range ifs {
		addrs, ok := usableAddrs(ifi)
		if !ok {
			continue
		}
		for _, a := range addrs {
			ip := ipOf(a)
			if ip == nil {
				continue
			}
			sa, err := addr.FromNetIP(ip, 0)
			if err != nil {
				continue
			}
			return Interface{Name: ifi.Name, Addr: sa}, nil
		}
	}
	return Interface{}, errors.New("iface: no usable interface found")
}

func selectBySubnet(ifs []net.Interface, hint addr.SocketAddress) (Interface, error) {
	hintIP := hint.NetIP()
	for _, ifi := range ifs {
		addrs, ok := usableAddrs(ifi)
		if !ok {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if !ipNet.Contains(hintIP) {
				continue
			}
			sa, err := addr.FromNetIP(ipNet.IP, 0)
			if err != nil {
				continue
			}
			return Interface{Name: ifi.Name, Addr: sa}, nil
		}
	}
	return Interface{}, errors.Errorf("iface: no usable interface matches subnet of %s", hint)
}

func ipOf(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}
