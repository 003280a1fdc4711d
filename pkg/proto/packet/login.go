package packet

import (
	"github.com/google/uuid"

	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/proto"
)

// LoginStart is the client's request to begin login.
type LoginStart struct {
	DisplayName string
}

func (*LoginStart) PacketName() string { return "login_start" }

func (p *LoginStart) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.DisplayName)
	return nil
}

func (p *LoginStart) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.DisplayName = s
	return nil
}

// arrayPrefixFor picks the Array length-prefix width:
// 16-bit for protocol <= 5, VarInt for protocol >= 47.
func arrayPrefixFor(version proto.Protocol) buffer.LengthPrefix {
	if version <= 5 {
		return buffer.LengthPrefixU16
	}
	return buffer.LengthPrefixVarInt
}

// EncryptionRequest is the server's encryption challenge.
type EncryptionRequest struct {
	ServerID    string
	PublicKey   []byte // DER, SubjectPublicKeyInfo
	VerifyToken []byte // random 4 bytes
	Protocol    proto.Protocol
}

func (*EncryptionRequest) PacketName() string { return "encryption_request" }

func (p *EncryptionRequest) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.ServerID)
	lp := arrayPrefixFor(p.Protocol)
	if err := buf.WriteArray(lp, p.PublicKey); err != nil {
		return err
	}
	return buf.WriteArray(lp, p.VerifyToken)
}

func (p *EncryptionRequest) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.ServerID = s
	lp := arrayPrefixFor(p.Protocol)
	pub, err := buf.ReadArray(lp)
	if err != nil {
		return err
	}
	p.PublicKey = pub
	vt, err := buf.ReadArray(lp)
	if err != nil {
		return err
	}
	p.VerifyToken = vt
	return nil
}

// EncryptionResponse is the client's reply to EncryptionRequest.
type EncryptionResponse struct {
	SharedSecret []byte // RSA-PKCS1v15 encrypted
	VerifyToken  []byte // RSA-PKCS1v15 encrypted
	Protocol     proto.Protocol
}

func (*EncryptionResponse) PacketName() string { return "encryption_response" }

func (p *EncryptionResponse) Encode(buf *buffer.Buffer) error {
	lp := arrayPrefixFor(p.Protocol)
	if err := buf.WriteArray(lp, p.SharedSecret); err != nil {
		return err
	}
	return buf.WriteArray(lp, p.VerifyToken)
}

func (p *EncryptionResponse) Decode(buf *buffer.Buffer) error {
	lp := arrayPrefixFor(p.Protocol)
	ss, err := buf.ReadArray(lp)
	if err != nil {
		return err
	}
	p.SharedSecret = ss
	vt, err := buf.ReadArray(lp)
	if err != nil {
		return err
	}
	p.VerifyToken = vt
	return nil
}

// LoginSuccess completes the login flow. Pre-1.16 encodes the UUID as a
// hyphenated hex string; 1.16+ encodes it as raw UUID bytes.
type LoginSuccess struct {
	UUID        uuid.UUID
	DisplayName string
	Protocol    proto.Protocol
}

func (*LoginSuccess) PacketName() string { return "login_success" }

func (p *LoginSuccess) Encode(buf *buffer.Buffer) error {
	if p.Protocol.GreaterEqual(proto.Minecraft_1_16) {
		buf.WriteUUID(p.UUID)
	} else {
		buf.WriteString(p.UUID.String())
	}
	buf.WriteString(p.DisplayName)
	return nil
}

func (p *LoginSuccess) Decode(buf *buffer.Buffer) error {
	if p.Protocol.GreaterEqual(proto.Minecraft_1_16) {
		u, err := buf.ReadUUID()
		if err != nil {
			return err
		}
		p.UUID = u
	} else {
		s, err := buf.ReadString()
		if err != nil {
			return err
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		p.UUID = u
	}
	name, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.DisplayName = name
	return nil
}

// LoginSetCompression enables compression mid-login.
type LoginSetCompression struct {
	Threshold int32
}

func (*LoginSetCompression) PacketName() string { return "login_set_compression" }

func (p *LoginSetCompression) Encode(buf *buffer.Buffer) error {
	buf.WriteVarInt(p.Threshold)
	return nil
}

func (p *LoginSetCompression) Decode(buf *buffer.Buffer) error {
	v, err := buf.ReadVarInt(32)
	if err != nil {
		return err
	}
	p.Threshold = v
	return nil
}

// PlaySetCompression is the duplicate client-path compression-enable
// opcode some source variants also accept post-play. The proxy bridge
// applies its threshold with Conn.SetCompressionThreshold, which accepts
// any new threshold; only Conn.EnableCompression rejects a mismatched
// repeat, and nothing in this module passes this packet to it.
type PlaySetCompression struct {
	Threshold int32
}

func (*PlaySetCompression) PacketName() string { return "play_set_compression" }

func (p *PlaySetCompression) Encode(buf *buffer.Buffer) error {
	buf.WriteVarInt(p.Threshold)
	return nil
}

func (p *PlaySetCompression) Decode(buf *buffer.Buffer) error {
	v, err := buf.ReadVarInt(32)
	if err != nil {
		return err
	}
	p.Threshold = v
	return nil
}

// LoginDisconnect kicks during login with a chat JSON payload.
type LoginDisconnect struct {
	Reason string // chat JSON
}

func (*LoginDisconnect) PacketName() string { return "login_disconnect" }

func (p *LoginDisconnect) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.Reason)
	return nil
}

func (p *LoginDisconnect) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.Reason = s
	return nil
}
