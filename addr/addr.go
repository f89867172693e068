// Package addr implements SocketAddress, the tagged IPv4/IPv6 endpoint
// union described by the bootstrap data model. Grounded on the teacher's
// plan/addr.go (NetAddr, ParseIPv4, PackIPv4) generalized to carry either
// address family, mirroring ncclSocketAddress in the original bootstrap.
package addr

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Family identifies the address family carried by a SocketAddress.
type Family uint8

const (
	// FamilyUnspec marks the zero value: no address has been assigned.
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

// SocketAddress is a tagged union of an IPv4 or IPv6 endpoint. It is
// comparable (usable as a map key) and zero-testable, matching the
// requirement that the root service detect an unfilled rank slot by
// comparing against the zero value.
type SocketAddress struct {
	Family Family
	IP     [16]byte // IPv4 is stored left-aligned in the first 4 bytes
	Port   uint16
}

// Zero is the unfilled SocketAddress, used by the root to detect ranks
// that have not yet checked in.
var Zero SocketAddress

// IsZero reports whether a has never been assigned an endpoint.
func (a SocketAddress) IsZero() bool {
	return a == Zero
}

// FromNetIP builds a SocketAddress from a net.IP and port.
func FromNetIP(ip net.IP, port uint16) (SocketAddress, error) {
	var a SocketAddress
	if v4 := ip.To4(); v4 != nil {
		a.Family = FamilyIPv4
		copy(a.IP[:4], v4)
		a.Port = port
		return a, nil
	}
	if v6 := ip.To16(); v6 != nil {
		a.Family = FamilyIPv6
		copy(a.IP[:], v6)
		a.Port = port
		return a, nil
	}
	return a, errors.New("addr: not a valid IP")
}

// NetIP returns the net.IP this SocketAddress carries.
func (a SocketAddress) NetIP() net.IP {
	switch a.Family {
	case FamilyIPv4:
		return net.IP(a.IP[:4])
	case FamilyIPv6:
		ip := make(net.IP, 16)
		copy(ip, a.IP[:])
		return ip
	default:
		return nil
	}
}

// String renders host:port, bracketing IPv6 hosts per net.JoinHostPort.
func (a SocketAddress) String() string {
	if a.Family == FamilyUnspec {
		return "<unset>"
	}
	return net.JoinHostPort(a.NetIP().String(), strconv.Itoa(int(a.Port)))
}

// ColocatedWith reports whether a and b name the same host (ignoring port).
func (a SocketAddress) ColocatedWith(b SocketAddress) bool {
	return a.Family == b.Family && a.IP == b.IP
}

// Parse parses a "host:port", "ipv4:port" or "[ipv6]:port" string, the
// format accepted by the COMM_ID environment variable and by
// bootstrap-run's CLI flags. Hostnames are resolved via net.LookupIP, as
// KungFu's runner/discovery.go does for host lists.
func Parse(s string) (SocketAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return SocketAddress{}, errors.Wrap(err, "addr: invalid endpoint")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xffff {
		return SocketAddress{}, errors.Errorf("addr: invalid port %q", portStr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return FromNetIP(ip, uint16(port))
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return SocketAddress{}, errors.Wrapf(err, "addr: failed to resolve %q", host)
	}
	return FromNetIP(ips[0], uint16(port))
}

// MustParse is Parse but panics on error; useful for constants in tests.
func MustParse(s string) SocketAddress {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}
