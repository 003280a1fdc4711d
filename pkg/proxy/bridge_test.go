package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.quarry.dev/quarry/pkg/auth"
	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/conn"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/proto/packet"
	"go.quarry.dev/quarry/pkg/server"
)

// startBackend runs a real offline-mode server.Factory on an ephemeral
// localhost port, the stand-in "real server" a Bridge dials as upstream.
func startBackend(t *testing.T) (*server.Factory, string, context.CancelFunc) {
	t.Helper()
	f, err := server.NewFactory(server.Config{
		ListenAddr: "127.0.0.1:0",
		Status:     server.StatusConfig{MOTD: "backend", MaxPlayers: 10, VersionName: "1.20.2", ProtocolVersion: proto.Minecraft_1_20_2},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("backend never started listening")
		}
		time.Sleep(time.Millisecond)
	}
	return f, f.Addr().String(), cancel
}

func writePkt(t *testing.T, c *conn.Conn, p interface {
	PacketName() string
	Encode(*buffer.Buffer) error
}) {
	t.Helper()
	buf := buffer.New()
	require.NoError(t, p.Encode(buf))
	require.NoError(t, c.WritePacket(p.PacketName(), buf.Bytes()))
}

// loginDownstream drives the client side of a fresh pipe through the same
// handshake + login_start + offline login_success dance
// cmd/quarryctl/proxy.go's frontHandler performs, leaving both ends in
// Play so a Bridge can take over the downstream side.
func loginDownstream(t *testing.T, ctx context.Context) (fake *conn.Conn, downstream *conn.Conn) {
	t.Helper()
	a, b := net.Pipe()
	fake = conn.New(a, conn.RoleClient)
	downstream = conn.New(b, conn.RoleServer)
	fake.SetProtocol(proto.Minecraft_1_20_2)
	downstream.SetProtocol(proto.Minecraft_1_20_2)

	go downstream.ReadLoop(ctx)
	go fake.ReadLoop(ctx) // net.Pipe is unbuffered: writes in either direction need a concurrent reader

	writePkt(t, fake, &packet.Handshake{ProtocolVersion: int32(proto.Minecraft_1_20_2), VHost: "play.example.com", VPort: 25565, NextMode: packet.NextModeLogin})
	require.NoError(t, fake.SetMode(proto.Login))

	writePkt(t, fake, &packet.LoginStart{DisplayName: "Notch"})

	// the downstream side completes the offline login itself, matching
	// the fixed quarryctl proxy frontend, before any Bridge exists.
	success := &packet.LoginSuccess{UUID: auth.OfflineUUID("Notch"), DisplayName: "Notch", Protocol: proto.Minecraft_1_20_2}
	require.NoError(t, downstream.SetMode(proto.Login))
	writePkt(t, downstream, success)
	require.NoError(t, downstream.SetMode(proto.Play))
	require.NoError(t, fake.SetMode(proto.Play))

	return fake, downstream
}

func TestBridgeStartReachesForwardingAgainstRealBackend(t *testing.T) {
	_, addr, cancelBackend := startBackend(t)
	defer cancelBackend()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, downstream := loginDownstream(t, ctx)
	defer downstream.Close()

	b := New(downstream, Config{TargetAddr: addr})
	err := b.Start(ctx, "play.example.com", "Notch")
	require.NoError(t, err)
	assert.True(t, b.Upstream.InGame())
}

func TestBridgeDispatchesUpstreamChatToRegisteredHandler(t *testing.T) {
	_, addr, cancelBackend := startBackend(t)
	defer cancelBackend()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake, downstream := loginDownstream(t, ctx)
	defer downstream.Close()

	seen := make(chan *proto.PacketContext, 1)
	b := New(downstream, Config{
		TargetAddr: addr,
		Handlers: map[string]HandlerFunc{
			"packet_upstream_chat_message": func(b *Bridge, pc *proto.PacketContext, buf *buffer.Buffer) (bool, error) {
				cp := *pc
				seen <- &cp
				return true, nil
			},
		},
	})
	require.NoError(t, b.Start(ctx, "play.example.com", "Notch"))

	writePkt(t, fake, &packet.Chat{Message: "hello"})

	select {
	case pc := <-seen:
		assert.Equal(t, "chat_message", pc.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded chat packet")
	}
}

func TestDirectTransportDialsRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			nc.Close()
			accepted <- struct{}{}
		}
	}()

	d := &DirectTransport{}
	nc, err := d.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("direct transport never reached the listener")
	}
}
