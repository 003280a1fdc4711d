package packet

import "go.quarry.dev/quarry/pkg/buffer"

// StatusRequest has no body.
type StatusRequest struct{}

func (*StatusRequest) PacketName() string               { return "status_request" }
func (*StatusRequest) Encode(buf *buffer.Buffer) error { return nil }
func (*StatusRequest) Decode(buf *buffer.Buffer) error { return nil }

// StatusResponse carries the server status JSON document.
type StatusResponse struct {
	JSON string
}

func (*StatusResponse) PacketName() string { return "status_response" }

func (p *StatusResponse) Encode(buf *buffer.Buffer) error {
	buf.WriteString(p.JSON)
	return nil
}

func (p *StatusResponse) Decode(buf *buffer.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.JSON = s
	return nil
}

// StatusPing carries an opaque 64-bit payload the server must echo.
type StatusPing struct {
	Payload uint64
}

func (*StatusPing) PacketName() string { return "status_ping" }

func (p *StatusPing) Encode(buf *buffer.Buffer) error {
	buf.WriteU64(p.Payload)
	return nil
}

func (p *StatusPing) Decode(buf *buffer.Buffer) error {
	v, err := buf.ReadU64()
	if err != nil {
		return err
	}
	p.Payload = v
	return nil
}

// StatusPong echoes StatusPing.Payload.
type StatusPong struct {
	Payload uint64
}

func (*StatusPong) PacketName() string { return "status_pong" }

func (p *StatusPong) Encode(buf *buffer.Buffer) error {
	buf.WriteU64(p.Payload)
	return nil
}

func (p *StatusPong) Decode(buf *buffer.Buffer) error {
	v, err := buf.ReadU64()
	if err != nil {
		return err
	}
	p.Payload = v
	return nil
}
