package bootstrap

import "github.com/sochinpub/nccl-bootstrap/log"

// Close performs the orderly teardown of spec.md §4.10: it requires the
// unexpected-connection queue to be empty (a non-empty queue under normal
// conditions means some Recv's message was never consumed, a programmer
// bug) unless the abort flag is already set, in which case Close degrades
// to best effort. All three persistent sockets are closed and the address
// tables freed either way.
func (s *State) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := len(s.unexpected)
	s.unexpected = nil
	s.mu.Unlock()

	if pending > 0 && !s.abortFlag.IsSet() {
		log.Errorf("bootstrap: unexpected connections are not empty (%d pending)", pending)
		s.teardownSockets()
		return wrap(ErrInternalError, ErrInternalError, "bootstrap: unexpected connections are not empty")
	}

	return s.teardownSockets()
}

// Abort is the best-effort, idempotent, concurrency-safe teardown path:
// it may be called at any time, including concurrently with an in-flight
// operation on the same State, in which case that operation observes the
// abort flag and returns ErrAbort.
func (s *State) Abort() error {
	s.abortFlag.Set()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unexpected := s.unexpected
	s.unexpected = nil
	s.mu.Unlock()

	for _, u := range unexpected {
		u.sock.Close()
	}

	return s.teardownSockets()
}

func (s *State) teardownSockets() error {
	if s.listenSock != nil {
		s.listenSock.Close()
	}
	if s.ringSendSock != nil {
		s.ringSendSock.Close()
	}
	if s.ringRecvSock != nil {
		s.ringRecvSock.Close()
	}
	var proxyErr error
	if s.sharedProxy != nil {
		proxyErr = s.sharedProxy.Release()
	}
	s.peerCommAddresses = nil
	s.peerProxyAddresses = nil
	return proxyErr
}
