package bootstrap

import (
	"encoding/binary"

	"github.com/sochinpub/nccl-bootstrap/addr"
)

var endian = binary.LittleEndian

// extInfo is the rendezvous payload each rank sends to the root, grounded
// on struct extInfo in original_source/src/bootstrap.cc.
type extInfo struct {
	Rank           int32
	NRanks         int32
	ListenRootAddr addr.SocketAddress
	ListenCommAddr addr.SocketAddress
}

const socketAddressWireSize = 1 + 16 + 2 // Family + IP + Port

func putSocketAddress(buf []byte, a addr.SocketAddress) {
	buf[0] = byte(a.Family)
	copy(buf[1:17], a.IP[:])
	endian.PutUint16(buf[17:19], a.Port)
}

func getSocketAddress(buf []byte) addr.SocketAddress {
	var a addr.SocketAddress
	a.Family = addr.Family(buf[0])
	copy(a.IP[:], buf[1:17])
	a.Port = endian.Uint16(buf[17:19])
	return a
}

const extInfoWireSize = 4 + 4 + socketAddressWireSize*2

func (info extInfo) encode() []byte {
	buf := make([]byte, extInfoWireSize)
	endian.PutUint32(buf[0:4], uint32(info.Rank))
	endian.PutUint32(buf[4:8], uint32(info.NRanks))
	putSocketAddress(buf[8:8+socketAddressWireSize], info.ListenRootAddr)
	putSocketAddress(buf[8+socketAddressWireSize:], info.ListenCommAddr)
	return buf
}

func decodeExtInfo(buf []byte) extInfo {
	var info extInfo
	info.Rank = int32(endian.Uint32(buf[0:4]))
	info.NRanks = int32(endian.Uint32(buf[4:8]))
	info.ListenRootAddr = getSocketAddress(buf[8 : 8+socketAddressWireSize])
	info.ListenCommAddr = getSocketAddress(buf[8+socketAddressWireSize:])
	return info
}

func encodeSocketAddress(a addr.SocketAddress) []byte {
	buf := make([]byte, socketAddressWireSize)
	putSocketAddress(buf, a)
	return buf
}

func decodeSocketAddress(buf []byte) addr.SocketAddress {
	return getSocketAddress(buf)
}

func encodeInt(v int32) []byte {
	buf := make([]byte, 4)
	endian.PutUint32(buf, uint32(v))
	return buf
}

func decodeInt(buf []byte) int32 {
	return int32(endian.Uint32(buf))
}
