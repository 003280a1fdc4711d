package packet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/proto"
)

func TestHandshakeRoundTrip(t *testing.T) {
	in := &Handshake{ProtocolVersion: 764, VHost: "play.example.com", VPort: 25565, NextMode: NextModeLogin}
	buf := buffer.New()
	require.NoError(t, in.Encode(buf))

	out := &Handshake{}
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, in, out)
	assert.Equal(t, 0, buf.Len())
}

func TestStatusRequestHasEmptyBody(t *testing.T) {
	buf := buffer.New()
	require.NoError(t, (&StatusRequest{}).Encode(buf))
	assert.Equal(t, 0, buf.Len())
	require.NoError(t, (&StatusRequest{}).Decode(buf))
}

func TestStatusPingPongRoundTrip(t *testing.T) {
	buf := buffer.New()
	in := &StatusPing{Payload: 0xdeadbeefcafebabe}
	require.NoError(t, in.Encode(buf))
	out := &StatusPong{}
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, in.Payload, out.Payload)
}

func TestLoginSuccessPre116EncodesStringUUID(t *testing.T) {
	u := uuid.New()
	in := &LoginSuccess{UUID: u, DisplayName: "Notch", Protocol: proto.Minecraft_1_8}
	buf := buffer.New()
	require.NoError(t, in.Encode(buf))

	out := &LoginSuccess{Protocol: proto.Minecraft_1_8}
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, u, out.UUID)
	assert.Equal(t, "Notch", out.DisplayName)
}

func TestLoginSuccessModernEncodesRawUUID(t *testing.T) {
	u := uuid.New()
	in := &LoginSuccess{UUID: u, DisplayName: "Notch", Protocol: proto.Minecraft_1_20_2}
	buf := buffer.New()
	require.NoError(t, in.Encode(buf))

	out := &LoginSuccess{Protocol: proto.Minecraft_1_20_2}
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, u, out.UUID)
}

func TestEncryptionRequestResponseArrayPrefixWidth(t *testing.T) {
	for _, version := range []proto.Protocol{proto.Minecraft_1_7_2, proto.Minecraft_1_8} {
		req := &EncryptionRequest{
			ServerID:    "abc123",
			PublicKey:   []byte{1, 2, 3, 4},
			VerifyToken: []byte{5, 6, 7, 8},
			Protocol:    version,
		}
		buf := buffer.New()
		require.NoError(t, req.Encode(buf))

		out := &EncryptionRequest{Protocol: version}
		require.NoError(t, out.Decode(buf))
		assert.Equal(t, req.ServerID, out.ServerID)
		assert.Equal(t, req.PublicKey, out.PublicKey)
		assert.Equal(t, req.VerifyToken, out.VerifyToken)
	}
}

func TestJoinGamePassesRestThrough(t *testing.T) {
	in := &JoinGame{EntityID: 42, Rest: []byte{0xaa, 0xbb, 0xcc}}
	buf := buffer.New()
	require.NoError(t, in.Encode(buf))

	out := &JoinGame{}
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, int32(42), out.EntityID)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, out.Rest)
}

func TestPacketNamesAreStable(t *testing.T) {
	cases := []struct {
		p    Packet
		name string
	}{
		{&Handshake{}, "handshake"},
		{&StatusRequest{}, "status_request"},
		{&StatusResponse{}, "status_response"},
		{&LoginStart{}, "login_start"},
		{&EncryptionRequest{}, "encryption_request"},
		{&LoginSuccess{}, "login_success"},
		{&KeepAlive{}, "keep_alive"},
		{&Chat{}, "chat_message"},
		{&ChatMessage{}, "chat"},
		{&Disconnect{}, "disconnect"},
		{&JoinGame{}, "join_game"},
	}
	for _, c := range cases {
		assert.Equal(t, c.name, c.p.PacketName())
	}
}
