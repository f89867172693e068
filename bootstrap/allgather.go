package bootstrap

import (
	"github.com/sochinpub/nccl-bootstrap/addr"
)

// AllGather implements the bidirectional ring all-gather of spec.md §4.6:
// every rank writes its contribution at data[rank*size:(rank+1)*size]
// before calling; afterwards data[i*size:(i+1)*size] holds rank i's
// contribution for every i. size must evenly divide len(data) into
// s.nranks slices.
func (s *State) AllGather(data []byte, size int) error {
	if s.nranks == 1 {
		return nil
	}
	rank, nranks := s.rank, s.nranks
	for i := 0; i < nranks-1; i++ {
		sendSlice := mod(rank-i, nranks)
		recvSlice := mod(rank-i-1, nranks)
		if err := s.ringSendSock.Send(data[sendSlice*size : (sendSlice+1)*size]); err != nil {
			return wrap(ErrSystemError, err, "bootstrap: AllGather send failed")
		}
		n, err := s.ringRecvSock.Recv(data[recvSlice*size : (recvSlice+1)*size])
		if err != nil {
			return wrap(ErrSystemError, err, "bootstrap: AllGather recv failed")
		}
		if n != size {
			return wrap(ErrInternalError, ErrInternalError, "bootstrap: AllGather recv truncated")
		}
	}
	return nil
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

// allGather is the SocketAddress-table convenience used by Init/Split: it
// encodes each element to the wire form, runs AllGather, then decodes in
// place.
func (s *State) allGather(addrs []addr.SocketAddress) error {
	buf := make([]byte, len(addrs)*socketAddressWireSize)
	for i, a := range addrs {
		putSocketAddress(buf[i*socketAddressWireSize:(i+1)*socketAddressWireSize], a)
	}
	if err := s.AllGather(buf, socketAddressWireSize); err != nil {
		return err
	}
	for i := range addrs {
		addrs[i] = getSocketAddress(buf[i*socketAddressWireSize : (i+1)*socketAddressWireSize])
	}
	return nil
}
