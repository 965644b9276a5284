package protocol

import (
	"encoding/binary"
	"errors"
)

// MaxFrameSize is the port size shared by both ends of every link.
// There is no negotiation; both partitions must be built with the same value.
const MaxFrameSize = 512

// HeaderSize is the size of the fixed frame header.
const HeaderSize = 8

// SyncPayloadSize is the payload size of a SYNC frame.
const SyncPayloadSize = 4

// SyncFrameSize is the total size of a SYNC frame.
const SyncFrameSize = HeaderSize + SyncPayloadSize

// MaxPayloadSize is the largest payload that fits into a single frame.
const MaxPayloadSize = MaxFrameSize - HeaderSize

// Frame header layout (8 bytes, little-endian):
//
//	uint16 channel   // channel id on the link
//	uint16 size      // total frame length including this header
//	uint16 type      // MsgType, 0 is reserved for SYNC
//	uint16 reserved  // zero

//go:generate go tool stringer -type=MsgType -trimprefix=Msg
type MsgType uint16

const (
	// Sync: 0:SyncEvent
	MsgSync MsgType = 0x00

	// 0x01-0xFFFF: caller defined
)

//go:generate go tool stringer -type=SyncEvent -trimprefix=Sync
type SyncEvent uint16

const (
	SyncOpenReq    SyncEvent = 0x01 // client asks the server to open the channel
	SyncOpenAck    SyncEvent = 0x02 // server accepted the open
	SyncServerInit SyncEvent = 0x03 // server (re)started, clients must re-open
)

var (
	ErrShortFrame   = errors.New("protocol: frame shorter than header")
	ErrSizeMismatch = errors.New("protocol: declared size does not match received size")
	ErrFrameTooBig  = errors.New("protocol: frame exceeds port size")
	ErrShortSync    = errors.New("protocol: sync payload too short")
	ErrReservedType = errors.New("protocol: message type is reserved")
	ErrShortShmRef  = errors.New("protocol: shared memory reference too short")
	ErrShmRefRange  = errors.New("protocol: shared memory reference out of range")
)

// Header is the decoded frame header.
type Header struct {
	Channel uint16
	Size    uint16
	Type    MsgType
}

// PutHeader encodes h into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:2], h.Channel)
	binary.LittleEndian.PutUint16(b[2:4], h.Size)
	binary.LittleEndian.PutUint16(b[4:6], uint16(h.Type))
	binary.LittleEndian.PutUint16(b[6:8], 0)
}

// ParseHeader decodes the header of a received frame and checks it against the
// number of bytes actually received, which is len(b).
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	if len(b) > MaxFrameSize {
		return Header{}, ErrFrameTooBig
	}
	h := Header{
		Channel: binary.LittleEndian.Uint16(b[0:2]),
		Size:    binary.LittleEndian.Uint16(b[2:4]),
		Type:    MsgType(binary.LittleEndian.Uint16(b[4:6])),
	}
	if int(h.Size) != len(b) {
		return h, ErrSizeMismatch
	}
	return h, nil
}

// PutData writes a data frame for channel into b and returns its size.
// b must be at least HeaderSize+len(payload) bytes.
func PutData(b []byte, channel uint16, typ MsgType, payload []byte) (int, error) {
	if typ == MsgSync {
		return 0, ErrReservedType
	}
	size := HeaderSize + len(payload)
	if size > MaxFrameSize || size > len(b) {
		return 0, ErrFrameTooBig
	}
	PutHeader(b, Header{Channel: channel, Size: uint16(size), Type: typ})
	copy(b[HeaderSize:size], payload)
	return size, nil
}

// PutSync writes a SYNC frame for channel into b and returns its size.
func PutSync(b []byte, channel uint16, ev SyncEvent) int {
	_ = b[SyncFrameSize-1]
	PutHeader(b, Header{Channel: channel, Size: SyncFrameSize, Type: MsgSync})
	binary.LittleEndian.PutUint16(b[HeaderSize:HeaderSize+2], uint16(ev))
	binary.LittleEndian.PutUint16(b[HeaderSize+2:HeaderSize+4], 0)
	return SyncFrameSize
}

// ParseSync decodes the event carried by a SYNC payload.
func ParseSync(payload []byte) (SyncEvent, error) {
	if len(payload) < 2 {
		return 0, ErrShortSync
	}
	return SyncEvent(binary.LittleEndian.Uint16(payload[0:2])), nil
}

// ShmRefSize is the payload size of a frame pointing into a channel's shared memory.
const ShmRefSize = 8

// ShmRef locates bulk data inside the shared memory region of a channel.
type ShmRef struct {
	Offset uint32
	Length uint32
}

// PutShmRef encodes r into the first ShmRefSize bytes of b.
func PutShmRef(b []byte, r ShmRef) int {
	_ = b[ShmRefSize-1]
	binary.LittleEndian.PutUint32(b[0:4], r.Offset)
	binary.LittleEndian.PutUint32(b[4:8], r.Length)
	return ShmRefSize
}

// ParseShmRef decodes a shared memory reference and checks it against the size of
// the region it points into.
func ParseShmRef(payload []byte, regionSize int) (ShmRef, error) {
	if len(payload) < ShmRefSize {
		return ShmRef{}, ErrShortShmRef
	}
	r := ShmRef{
		Offset: binary.LittleEndian.Uint32(payload[0:4]),
		Length: binary.LittleEndian.Uint32(payload[4:8]),
	}
	if uint64(r.Offset)+uint64(r.Length) > uint64(regionSize) {
		return r, ErrShmRefRange
	}
	return r, nil
}
