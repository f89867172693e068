package bootstrap

import (
	"github.com/sochinpub/nccl-bootstrap/socket"
)

// Send implements spec.md §4.9: open a fresh connection to peer, send
// self.rank, tag, and data in order, then close.
func (s *State) Send(peer, tag int, data []byte) error {
	addr := s.PeerCommAddr(peer)
	sock, err := socket.Connect(addr, s.magic, s.abortFlag)
	if err != nil {
		return wrap(ErrSystemError, err, "bootstrap: Send connect failed")
	}
	defer sock.Close()
	if err := sock.Send(encodeInt(int32(s.rank))); err != nil {
		return wrap(ErrSystemError, err, "bootstrap: Send rank failed")
	}
	if err := sock.Send(encodeInt(int32(tag))); err != nil {
		return wrap(ErrSystemError, err, "bootstrap: Send tag failed")
	}
	if err := sock.Send(data); err != nil {
		return wrap(ErrSystemError, err, "bootstrap: Send payload failed")
	}
	return nil
}

// Recv implements spec.md §4.9: first check the unexpected-connection
// queue for a (peer, tag) match; otherwise accept new connections on
// listenSock, parking any that don't match the requested (peer, tag) on
// the queue, until one does.
func (s *State) Recv(peer, tag int, data []byte) (int, error) {
	if sock, ok := s.dequeueUnexpected(peer, tag); ok {
		defer sock.Close()
		return recvPayload(sock, data)
	}
	for {
		sock, err := s.listenSock.Accept()
		if err != nil {
			return 0, wrap(ErrSystemError, err, "bootstrap: Recv accept failed")
		}
		newPeer, newTag, err := recvHeader(sock)
		if err != nil {
			sock.Close()
			return 0, wrap(ErrSystemError, err, "bootstrap: Recv header failed")
		}
		if newPeer == peer && newTag == tag {
			n, err := recvPayload(sock, data)
			sock.Close()
			return n, err
		}
		s.enqueueUnexpected(newPeer, newTag, sock)
	}
}

func recvHeader(sock *socket.Socket) (peer, tag int, err error) {
	buf := make([]byte, 4)
	if _, err = sock.Recv(buf); err != nil {
		return 0, 0, err
	}
	peer = int(decodeInt(buf))
	if _, err = sock.Recv(buf); err != nil {
		return 0, 0, err
	}
	tag = int(decodeInt(buf))
	return peer, tag, nil
}

func recvPayload(sock *socket.Socket, data []byte) (int, error) {
	n, err := sock.Recv(data)
	if err != nil {
		if err == socket.ErrTruncated {
			return 0, wrap(ErrInternalError, ErrInternalError, "bootstrap: Recv payload truncated")
		}
		return 0, wrap(ErrSystemError, err, "bootstrap: Recv payload failed")
	}
	return n, nil
}
