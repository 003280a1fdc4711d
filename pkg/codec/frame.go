package codec

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"

	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/errs"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/varint"
)

// Compression holds the outbound compression threshold. -1 disables
// compression; once enabled (threshold >= 0) the double-varint frame
// prefix is used for the rest of the connection's life (the enabled bit
// is one-shot: it is never turned back off).
type Compression struct {
	enabled   bool
	threshold int
	level     int
}

// NewCompression returns a disabled Compression.
func NewCompression() *Compression { return &Compression{threshold: -1, level: zlib.DefaultCompression} }

// Enable turns compression on with the given threshold and zlib level.
// Calling Enable again only updates the threshold; the enabled bit never
// resets.
func (c *Compression) Enable(threshold, level int) {
	c.enabled = true
	c.threshold = threshold
	if level != 0 {
		c.level = level
	}
}

// SetThreshold updates the threshold without changing the enabled bit.
func (c *Compression) SetThreshold(threshold int) { c.threshold = threshold }

// Enabled reports whether the double-varint frame prefix is in effect.
func (c *Compression) Enabled() bool { return c.enabled }

// Threshold returns the current compression threshold.
func (c *Compression) Threshold() int { return c.threshold }

// Pipeline is the per-direction frame codec for one connection side: it
// owns the cipher and compression state and implements the inbound/
// outbound framing contracts.
type Pipeline struct {
	Cipher      Cipher
	Compression Compression
}

// NewPipeline returns a pipeline with compression disabled and no cipher.
func NewPipeline() *Pipeline {
	return &Pipeline{Compression: Compression{threshold: -1, level: zlib.DefaultCompression}}
}

// FeedChunk decrypts a freshly-read socket chunk (identity if encryption
// is disabled) and appends it to buf, the connection's inbound
// accumulator.
func (p *Pipeline) FeedChunk(buf *buffer.Buffer, chunk []byte) {
	buf.Append(p.Cipher.DecryptInbound(chunk))
}

// ErrProtocol wraps a fatal framing error (malformed varint, width bound
// exceeded, or declared length overruns available bytes).
var ErrProtocol = errors.New("codec: protocol error")

// TryReadFrame attempts to read exactly one frame from buf's current
// cursor, using buf's save/restore discipline. It returns ok=false (buf
// restored to the pre-attempt cursor) when the accumulated bytes don't
// yet hold a complete frame. A malformed frame is a fatal protocol error
// and is never "not yet enough bytes".
func (p *Pipeline) TryReadFrame(buf *buffer.Buffer, mode proto.Mode) (body []byte, ok bool, err error) {
	buf.Save()
	total, err := buf.ReadVarInt(mode.LengthBits())
	if err != nil {
		if err == buffer.ErrUnderrun {
			buf.Restore()
			return nil, false, nil
		}
		return nil, false, errs.Protocol("malformed frame length", err)
	}
	if total < 0 {
		return nil, false, errs.Protocol("negative frame length", nil)
	}
	raw, err := buf.Read(int(total))
	if err != nil {
		buf.Restore()
		return nil, false, nil
	}

	if !p.Compression.Enabled() {
		return raw, true, nil
	}

	inner := buffer.From(raw)
	uncompressedLen, err := inner.ReadVarInt(32)
	if err != nil {
		return nil, false, errs.Protocol("malformed compression prefix", err)
	}
	rest := inner.Bytes()
	if uncompressedLen == 0 {
		// Accepted whether or not it's actually below threshold: a body
		// whose declared uncompressed length is 0 means "sent raw".
		return rest, true, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, false, errs.Protocol("malformed zlib stream", err)
	}
	defer zr.Close()
	out := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, false, errs.Protocol("zlib body shorter than declared", err)
	}
	return out, true, nil
}

// EncodeFrame applies compression framing (if enabled) and the outer
// length prefix to body. It does not encrypt; callers pass the result
// through Cipher.EncryptOutbound before writing to the socket.
func (p *Pipeline) EncodeFrame(body []byte) ([]byte, error) {
	var framed []byte
	if !p.Compression.Enabled() {
		framed = body
	} else if len(body) < p.Compression.threshold {
		inner := buffer.New()
		inner.WriteVarInt(0)
		inner.Append(body)
		framed = inner.Bytes()
	} else {
		var zbuf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&zbuf, p.Compression.level)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		inner := buffer.New()
		inner.WriteVarInt(int32(len(body)))
		inner.Append(zbuf.Bytes())
		framed = inner.Bytes()
	}

	out := buffer.New()
	out.WriteVarInt(int32(len(framed)))
	out.Append(framed)
	return out.Bytes(), nil
}

// EncodePacketBody prepends the resolved packet id varint to payload,
// producing the frame body.
func EncodePacketBody(id int32, payload []byte) []byte {
	b := buffer.New()
	b.WriteVarInt(id)
	b.Append(payload)
	return b.Bytes()
}

// varintSize returns the number of bytes the VarInt encoding of v
// occupies.
func varintSize(v int32) int { return varint.Size(v) }
