package packet

import (
	"go.quarry.dev/quarry/pkg/buffer"
)

// NextMode is the mode the client requests to switch to after handshake.
type NextMode int32

const (
	NextModeStatus NextMode = 1
	NextModeLogin NextMode = 2
)

// Handshake is the very first packet on every connection.
type Handshake struct {
	ProtocolVersion int32
	VHost string
	VPort uint16
	NextMode NextMode
}

func (*Handshake) PacketName() string { return "handshake" }

func (h *Handshake) Encode(buf *buffer.Buffer) error {
	buf.WriteVarInt(h.ProtocolVersion)
	buf.WriteString(h.VHost)
	buf.WriteU16(h.VPort)
	buf.WriteVarInt(int32(h.NextMode))
	return nil
}

func (h *Handshake) Decode(buf *buffer.Buffer) error {
	// The protocol version field is read with a 21-bit bound, the same
	// bound used for every varint outside play.
	v, err := buf.ReadVarInt(21)
	if err != nil {
		return err
	}
	h.ProtocolVersion = v
	host, err := buf.ReadString()
	if err != nil {
		return err
	}
	h.VHost = host
	port, err := buf.ReadU16()
	if err != nil {
		return err
	}
	h.VPort = port
	next, err := buf.ReadVarInt(21)
	if err != nil {
		return err
	}
	h.NextMode = NextMode(next)
	return nil
}
