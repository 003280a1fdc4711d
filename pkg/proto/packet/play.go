package packet

import "go.quarry.dev/quarry/pkg/buffer"

// KeepAlive is the play-mode keep-alive packet. This package only encodes
// and decodes it; nothing in the engine sends it on a ticker schedule.
type KeepAlive struct {
	RandomID int64
}

func (*KeepAlive) PacketName() string { return "keep_alive" }

func (p *KeepAlive) Encode(buf *buffer.Buffer) error {
	buf.WriteVarLong(p.RandomID)
	return nil
}

func (p *KeepAlive) Decode(buf *buffer.Buffer) error {
	v, err := buf.ReadVarLong()
	if err != nil {
		return err
	}
	p.RandomID = v
	return nil
}

// Chat is the serverbound chat packet ("chat_message"); its payload is
// plain text. The clientbound counterpart is ChatMessage.
type Chat struct {
	Message string
}

func (*Chat) PacketName() string { return "chat_message" }

func (p *Chat) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.Message)
	return nil
}

func (p *Chat) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.Message = s
	return nil
}

// ChatMessage is the clientbound counterpart, named distinctly in the
// catalog ("chat") from the serverbound "chat_message".
type ChatMessage struct {
	JSON string
}

func (*ChatMessage) PacketName() string { return "chat" }

func (p *ChatMessage) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.JSON)
	return nil
}

func (p *ChatMessage) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.JSON = s
	return nil
}

// Disconnect kicks a play-mode connection with a chat JSON payload.
type Disconnect struct {
	Reason string
}

func (*Disconnect) PacketName() string { return "disconnect" }

func (p *Disconnect) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.Reason)
	return nil
}

func (p *Disconnect) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.Reason = s
	return nil
}

// JoinGame is sent on entering play. Its body beyond the entity id is
// world/registry data, which callers pass through opaquely via Rest.
type JoinGame struct {
	EntityID int32
	Rest []byte // opaque: dimension codec, world names, etc.
}

func (*JoinGame) PacketName() string { return "join_game" }

func (p *JoinGame) Encode(buf *buffer.Buffer) error {
	buf.WriteVarInt(p.EntityID)
	buf.Append(p.Rest)
	return nil
}

func (p *JoinGame) Decode(buf *buffer.Buffer) error {
	id, err := buf.ReadVarInt(32)
	if err != nil {
		return err
	}
	p.EntityID = id
	rest, err := buf.ReadRest()
	if err != nil {
		return err
	}
	p.Rest = rest
	return nil
}
