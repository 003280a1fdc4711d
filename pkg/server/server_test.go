package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.quarry.dev/quarry/pkg/client"
	"go.quarry.dev/quarry/pkg/proto"
)

func TestPlayersBoundedJoinLeave(t *testing.T) {
	p := newPlayers(2)
	assert.True(t, p.tryJoin())
	assert.True(t, p.tryJoin())
	assert.False(t, p.tryJoin(), "third join must be rejected at max=2")
	assert.Equal(t, 2, p.count())

	p.leave()
	assert.Equal(t, 1, p.count())
	assert.True(t, p.tryJoin())
}

func TestPlayersUnboundedWhenMaxIsZero(t *testing.T) {
	p := newPlayers(0)
	for i := 0; i < 50; i++ {
		assert.True(t, p.tryJoin())
	}
}

func TestStatusConfigJSONWithoutFavicon(t *testing.T) {
	s := &StatusConfig{MOTD: "hello", MaxPlayers: 20, VersionName: "1.20.2", ProtocolVersion: 764}
	got := s.JSON(3)
	assert.Contains(t, got, `"online":3`)
	assert.Contains(t, got, `"max":20`)
	assert.Contains(t, got, `"protocol":764`)
	assert.NotContains(t, got, "favicon")
}

func TestStatusConfigJSONWithFavicon(t *testing.T) {
	s := &StatusConfig{MOTD: "hi", MaxPlayers: 1, VersionName: "1.20.2", ProtocolVersion: 764, FaviconBase64: "data:image/png;base64,AA"}
	got := s.JSON(0)
	assert.Contains(t, got, `"favicon":"data:image/png;base64,AA"`)
}

// startTestFactory starts cfg on an ephemeral localhost port and returns
// its address once the listener is live.
func startTestFactory(t *testing.T, cfg Config) (*Factory, string, context.CancelFunc) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		select {
		case err := <-errCh:
			require.NoError(t, err)
		default:
		}
		time.Sleep(time.Millisecond)
	}
	return f, f.Addr().String(), cancel
}

func TestOfflineLoginReachesPlay(t *testing.T) {
	f, addr, cancel := startTestFactory(t, Config{
		Status: StatusConfig{MOTD: "test", MaxPlayers: 10, VersionName: "1.20.2", ProtocolVersion: 764},
	})
	defer cancel()
	defer f.Close()

	c, err := client.Dial(context.Background(), addr, client.DialOptions{
		Protocol:    764,
		DisplayName: "Notch",
	})
	require.NoError(t, err)
	defer c.Conn.Close()
	assert.Equal(t, 1, f.PlayerCount())
}

func TestServerFullRejectsExtraConnection(t *testing.T) {
	f, addr, cancel := startTestFactory(t, Config{
		Status: StatusConfig{MOTD: "test", MaxPlayers: 1, VersionName: "1.20.2", ProtocolVersion: 764},
	})
	defer cancel()
	defer f.Close()

	first, err := client.Dial(context.Background(), addr, client.DialOptions{Protocol: 764, DisplayName: "Notch"})
	require.NoError(t, err)
	defer first.Conn.Close()

	_, err = client.Dial(context.Background(), addr, client.DialOptions{Protocol: 764, DisplayName: "jeb_"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "kicked") || strings.Contains(err.Error(), "full"))
}

func TestPingReturnsStatusDocument(t *testing.T) {
	f, addr, cancel := startTestFactory(t, Config{
		Status: StatusConfig{MOTD: "ping me", MaxPlayers: 5, VersionName: "1.20.2", ProtocolVersion: 764},
	})
	defer cancel()
	defer f.Close()

	st, err := client.Ping(context.Background(), addr, "localhost", 25565)
	require.NoError(t, err)
	assert.Equal(t, proto.Protocol(764), st.Protocol)
	assert.Contains(t, st.JSON, "ping me")
}
