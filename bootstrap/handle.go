package bootstrap

import (
	"crypto/rand"
	"os"

	"github.com/sochinpub/nccl-bootstrap/addr"
	"github.com/sochinpub/nccl-bootstrap/iface"
	"github.com/sochinpub/nccl-bootstrap/log"
)

// CommIDEnvKey is the environment variable naming the rendezvous endpoint,
// spec.md §6.
const CommIDEnvKey = "COMM_ID"

// Handle is the opaque out-of-band rendezvous token shared by every rank
// before Init: the root's address plus a random cookie every accepted
// connection must present. Whoever possesses a Handle can join the group.
type Handle struct {
	Address addr.SocketAddress
	Magic   uint64
}

// GetUniqueId produces a Handle and, unless COMM_ID names an externally
// managed rendezvous endpoint, spawns the root service co-located with the
// caller. The resulting Handle is meant to be broadcast out-of-band to
// every rank (see spec.md §9's Open Question: COMM_ID being set always
// skips starting a root, on every rank, not just rank 0 — the caller owns
// making sure one is running where COMM_ID points).
func GetUniqueId() (Handle, error) {
	var h Handle
	var magic [8]byte
	if _, err := rand.Read(magic[:]); err != nil {
		return Handle{}, wrap(ErrSystemError, err, "bootstrap: failed to generate magic")
	}
	h.Magic = endian.Uint64(magic[:])

	if env, ok := os.LookupEnv(CommIDEnvKey); ok {
		log.Infof("bootstrap: %s set by environment to %s", CommIDEnvKey, env)
		a, err := addr.Parse(env)
		if err != nil {
			return Handle{}, wrap(ErrInvalidArgument, err, "bootstrap: invalid "+CommIDEnvKey)
		}
		h.Address = a
		return h, nil
	}

	// No COMM_ID: this call is the one that picks the rendezvous host, so
	// there is no remote address yet to constrain interface selection by.
	// iface.Init falls back to its first-usable-interface policy.
	ifc, err := iface.Init(nil)
	if err != nil {
		return Handle{}, wrap(ErrSystemError, err, "bootstrap: NetInit failed")
	}
	h.Address = ifc.Addr

	root, err := createRoot(h)
	if err != nil {
		return Handle{}, err
	}
	h.Address = root.addr
	return h, nil
}
