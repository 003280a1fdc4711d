// Package buffer implements the cursor buffer: an
// append-only byte buffer with a read cursor and a single saved-cursor
// checkpoint, used both as the per-connection inbound accumulator and as
// the per-packet decode buffer.
package buffer

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"go.quarry.dev/quarry/pkg/varint"
)

// ErrUnderrun is returned by Read when fewer than n bytes remain.
var ErrUnderrun = errors.New("buffer: underrun")

// Buffer is a cursor buffer: data is appended at the end, consumed from
// the front via cur, and a single checkpoint can be saved/restored so a
// caller can speculatively attempt a read and back out of it.
type Buffer struct {
	data []byte
	cur  int
	save int
}

// New creates an empty buffer ready for appends.
func New() *Buffer { return &Buffer{} }

// From creates a buffer pre-populated with b, cursor at zero. Used to
// build a fresh per-packet decode buffer out of a frame's body.
func From(b []byte) *Buffer { return &Buffer{data: b} }

// Append adds bytes to the end of the buffer.
func (b *Buffer) Append(p []byte) { b.data = append(b.data, p...) }

// Len returns the number of unread bytes remaining.
func (b *Buffer) Len() int { return len(b.data) - b.cur }

// Save records the current cursor position.
func (b *Buffer) Save() { b.save = b.cur }

// Restore rewinds the cursor to the last saved position.
func (b *Buffer) Restore() { b.cur = b.save }

// Discard drops every byte before the current cursor, keeping only the
// unread tail. Used after a full frame has been
// consumed from the connection's inbound accumulator.
func (b *Buffer) Discard() {
	b.data = b.data[b.cur:]
	b.cur = 0
	b.save = 0
}

// Bytes returns the unread tail without consuming it.
func (b *Buffer) Bytes() []byte { return b.data[b.cur:] }

// ReadRest consumes and returns every remaining unread byte. Handlers
// that forward or ignore a packet's payload without decoding its fields
// call this to mark the buffer as fully read.
func (b *Buffer) ReadRest() ([]byte, error) {
	p := b.data[b.cur:]
	b.cur = len(b.data)
	return p, nil
}

// Read consumes and returns exactly n bytes, or ErrUnderrun.
func (b *Buffer) Read(n int) ([]byte, error) {
	if n < 0 || b.Len() < n {
		return nil, ErrUnderrun
	}
	out := b.data[b.cur : b.cur+n]
	b.cur += n
	return out, nil
}

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	p, err := b.Read(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(v byte) { b.Append([]byte{v}) }

// ReadBool reads a one-byte boolean.
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadByte()
	return v != 0, err
}

// WriteBool appends a one-byte boolean.
func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
}

// ReadVarInt reads a width-bounded VarInt (maxBits=32 for no extra bound).
func (b *Buffer) ReadVarInt(maxBits uint) (int32, error) {
	v, n, err := varint.DecodeWidth(b.Bytes(), maxBits)
	if err != nil {
		if err == varint.ErrShortBuffer {
			return 0, ErrUnderrun
		}
		return 0, err
	}
	b.cur += n
	return v, nil
}

// WriteVarInt appends a VarInt.
func (b *Buffer) WriteVarInt(v int32) {
	b.data = varint.Encode(b.data, v)
}

// ReadVarLong reads a VarLong.
func (b *Buffer) ReadVarLong() (int64, error) {
	v, n, err := varint.DecodeLong(b.Bytes())
	if err != nil {
		if err == varint.ErrShortBuffer {
			return 0, ErrUnderrun
		}
		return 0, err
	}
	b.cur += n
	return v, nil
}

// WriteVarLong appends a VarLong.
func (b *Buffer) WriteVarLong(v int64) {
	b.data = varint.EncodeLong(b.data, v)
}

// ReadU16 reads a big-endian uint16.
func (b *Buffer) ReadU16() (uint16, error) {
	p, err := b.Read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// WriteU16 appends a big-endian uint16.
func (b *Buffer) WriteU16(v uint16) {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], v)
	b.Append(p[:])
}

// ReadU64 reads a big-endian uint64. Used for the status ping/pong payload.
func (b *Buffer) ReadU64() (uint64, error) {
	p, err := b.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// WriteU64 appends a big-endian uint64.
func (b *Buffer) WriteU64(v uint64) {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], v)
	b.Append(p[:])
}

// MaxStringLength is the protocol-wide cap on VarInt-prefixed strings
// (32767 UTF-16 code units, generously bounded here in bytes).
const MaxStringLength = 32767 * 3

// ReadString reads a VarInt-length-prefixed UTF-8 string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadVarInt(32)
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > MaxStringLength {
		return "", errors.New("buffer: string length out of bounds")
	}
	p, err := b.Read(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", errors.New("buffer: invalid utf8 string")
	}
	return string(p), nil
}

// WriteString appends a VarInt-length-prefixed UTF-8 string.
func (b *Buffer) WriteString(s string) {
	b.WriteVarInt(int32(len(s)))
	b.Append([]byte(s))
}

// LengthPrefix selects the width of the Array length prefix used by
// encryption request/response: 16-bit big-endian for protocol
// <= 5, VarInt for protocol >= 47. Both are bounded to 16 bits regardless
// of the chosen width.
type LengthPrefix int

const (
	// LengthPrefixU16 is used by protocol <= 5 (pre-netty).
	LengthPrefixU16 LengthPrefix = iota
	// LengthPrefixVarInt is used by protocol >= 47 (netty).
	LengthPrefixVarInt
)

// MaxArrayLen bounds every length-prefixed Array to 16 bits, regardless of
// which prefix width is in effect.
const MaxArrayLen = 0xffff

// ReadArray reads a length-prefixed byte array using the given prefix width.
func (b *Buffer) ReadArray(lp LengthPrefix) ([]byte, error) {
	var n int
	switch lp {
	case LengthPrefixU16:
		v, err := b.ReadU16()
		if err != nil {
			return nil, err
		}
		n = int(v)
	default:
		v, err := b.ReadVarInt(32)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, errors.New("buffer: negative array length")
		}
		n = int(v)
	}
	if n > MaxArrayLen {
		return nil, errors.New("buffer: array length exceeds 16 bits")
	}
	return b.Read(n)
}

// WriteArray appends a length-prefixed byte array using the given prefix width.
func (b *Buffer) WriteArray(lp LengthPrefix, p []byte) error {
	if len(p) > MaxArrayLen {
		return errors.New("buffer: array length exceeds 16 bits")
	}
	switch lp {
	case LengthPrefixU16:
		b.WriteU16(uint16(len(p)))
	default:
		b.WriteVarInt(int32(len(p)))
	}
	b.Append(p)
	return nil
}

// ReadUUID reads a 128-bit UUID as two big-endian 64-bit halves.
func (b *Buffer) ReadUUID() (uuid.UUID, error) {
	p, err := b.Read(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var u uuid.UUID
	copy(u[:], p)
	return u, nil
}

// WriteUUID appends a 128-bit UUID.
func (b *Buffer) WriteUUID(u uuid.UUID) {
	b.Append(u[:])
}
