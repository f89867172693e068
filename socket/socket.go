// Package socket implements the socket helper contract spec.md describes
// as externally consumed (SocketInit/Listen/Accept/Connect/Send/Recv/
// Close/GetAddr). It is grounded on the teacher's rchannel/connection.go
// and rchannel/server.go (length-prefixed framing over net.Conn) and on
// original_source/src/bootstrap.cc's ncclSocket (a random magic handshake
// on every accepted connection, abortFlag-aware blocking).
package socket

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/sochinpub/nccl-bootstrap/abort"
	"github.com/sochinpub/nccl-bootstrap/addr"
)

// deadlineStep bounds how long a single Accept/Read/Write syscall blocks
// before it re-checks the derived context for cancellation. This is the
// concrete form of "socket-level polling with a short timeout" from
// spec.md §5.
const deadlineStep = 100 * time.Millisecond

var endian = binary.LittleEndian

// errMagicMismatch is returned internally when a peer's handshake magic
// does not match; Listener.Accept never surfaces it — it closes that one
// connection and keeps serving, per invariant 3.
var errMagicMismatch = errors.New("socket: magic mismatch")

// ErrTruncated indicates a sender wrote more bytes than the receiver's
// buffer can hold.
var ErrTruncated = errors.New("socket: message truncated")

// Socket is a single established, persistent or transient TCP connection
// carrying length-prefixed bootstrap frames.
type Socket struct {
	conn   net.Conn
	remote addr.SocketAddress
	af     *abort.Flag
}

// Listener accepts inbound bootstrap connections and enforces the magic
// handshake on each.
type Listener struct {
	ln    net.Listener
	magic uint64
	af    *abort.Flag
}

// Listen binds and listens on bind's host and port (port 0 means "any free
// port"); the bound address is recoverable via Listener.Addr.
func Listen(bind addr.SocketAddress, magic uint64, af *abort.Flag) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind.NetIP().String(), strconv.Itoa(int(bind.Port))))
	if err != nil {
		return nil, errors.Wrap(err, "socket: listen failed")
	}
	return &Listener{ln: ln, magic: magic, af: af}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() (addr.SocketAddress, error) {
	tcpAddr, ok := l.ln.Addr().(*net.TCPAddr)
	if !ok {
		return addr.SocketAddress{}, errors.New("socket: not a TCP listener")
	}
	return addr.FromNetIP(tcpAddr.IP, uint16(tcpAddr.Port))
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accept blocks until one peer completes the magic handshake successfully,
// or the abort flag is set. A peer that fails the handshake is dropped
// silently and accepting continues — per invariant 3, a magic mismatch
// aborts only that connection.
func (l *Listener) Accept() (*Socket, error) {
	ctx, cancel := l.af.Context(context.Background())
	defer cancel()
	tcpLn, _ := l.ln.(*net.TCPListener)
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errAbort, "socket: accept aborted")
		}
		if tcpLn != nil {
			tcpLn.SetDeadline(time.Now().Add(deadlineStep))
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if l.af.IsSet() {
				return nil, errors.Wrap(errAbort, "socket: accept aborted")
			}
			return nil, errors.Wrap(err, "socket: accept failed")
		}
		s := &Socket{conn: conn, af: l.af}
		if err := s.recvHandshake(l.magic); err != nil {
			conn.Close()
			continue
		}
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			s.remote, _ = addr.FromNetIP(tcpAddr.IP, uint16(tcpAddr.Port))
		}
		return s, nil
	}
}

// Connect dials remote and performs the client side of the magic
// handshake.
func Connect(remote addr.SocketAddress, magic uint64, af *abort.Flag) (*Socket, error) {
	ctx, cancel := af.Context(context.Background())
	defer cancel()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errAbort, "socket: connect aborted")
		}
		return nil, errors.Wrapf(err, "socket: connect to %s failed", remote)
	}
	s := &Socket{conn: conn, remote: remote, af: af}
	if err := s.sendHandshake(magic); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) sendHandshake(magic uint64) error {
	var buf [8]byte
	endian.PutUint64(buf[:], magic)
	s.conn.SetDeadline(time.Now().Add(deadlineStep))
	_, err := s.conn.Write(buf[:])
	s.conn.SetDeadline(time.Time{})
	if err != nil {
		return errors.Wrap(err, "socket: handshake send failed")
	}
	return nil
}

func (s *Socket) recvHandshake(expected uint64) error {
	var buf [8]byte
	if err := s.readFull(buf[:]); err != nil {
		return err
	}
	if endian.Uint64(buf[:]) != expected {
		return errMagicMismatch
	}
	return nil
}

// RemoteAddr returns the remote endpoint, as observed from accept/connect.
func (s *Socket) RemoteAddr() addr.SocketAddress {
	return s.remote
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Send writes a 4-byte little-endian length prefix followed by buf.
func (s *Socket) Send(buf []byte) error {
	ctx, cancel := s.af.Context(context.Background())
	defer cancel()
	var hdr [4]byte
	endian.PutUint32(hdr[:], uint32(len(buf)))
	if err := s.writeFullCtx(ctx, hdr[:]); err != nil {
		return err
	}
	return s.writeFullCtx(ctx, buf)
}

// Recv reads a length-prefixed frame. If the sender's declared length
// exceeds len(buf), ErrTruncated is returned (spec.md's truncation
// error). Otherwise the returned n is the number of bytes actually
// written into buf (n <= len(buf)), matching the reference behavior of
// reading min(received, expected) bytes.
func (s *Socket) Recv(buf []byte) (int, error) {
	ctx, cancel := s.af.Context(context.Background())
	defer cancel()
	var hdr [4]byte
	if err := s.readFullCtx(ctx, hdr[:]); err != nil {
		return 0, err
	}
	n := int(endian.Uint32(hdr[:]))
	if n > len(buf) {
		return 0, ErrTruncated
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.readFullCtx(ctx, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Socket) readFull(buf []byte) error {
	return s.readFullCtx(context.Background(), buf)
}

func (s *Socket) readFullCtx(ctx context.Context, buf []byte) error {
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errAbort, "socket: recv aborted")
		}
		s.conn.SetReadDeadline(time.Now().Add(deadlineStep))
		n, err := s.conn.Read(buf[off:])
		off += n
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return errors.Wrap(err, "socket: recv failed")
		}
	}
	s.conn.SetReadDeadline(time.Time{})
	return nil
}

func (s *Socket) writeFullCtx(ctx context.Context, buf []byte) error {
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errAbort, "socket: send aborted")
		}
		s.conn.SetWriteDeadline(time.Now().Add(deadlineStep))
		n, err := s.conn.Write(buf[off:])
		off += n
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return errors.Wrap(err, "socket: send failed")
		}
	}
	s.conn.SetWriteDeadline(time.Time{})
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// errAbort is returned (wrapped) whenever a blocking call unblocks because
// the abort flag was observed set.
var errAbort = errors.New("socket: aborted")

// IsAbort reports whether err resulted from an abort signal.
func IsAbort(err error) bool {
	return errors.Cause(err) == errAbort || errors.Is(err, errAbort)
}
