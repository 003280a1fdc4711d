// Package client implements the Client Endpoint: dialing a
// TCP socket, the version-autodetect ping, and driving the login flow
// through to Play.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"go.quarry.dev/quarry/pkg/auth"
	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/conn"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/proto/catalog"
	"go.quarry.dev/quarry/pkg/proto/packet"
)

// ServerStatus is the result of Ping.
type ServerStatus struct {
	JSON     string
	Protocol proto.Protocol
	Latency  time.Duration
}

// Ping opens a throwaway status connection to resolve the remote's
// advertised protocol version and status JSON. It always requests with
// catalog.DefaultVersion, and the returned Protocol is what the server's
// status response claims to run, which the caller can then pass to Dial
// for an exact-version connection.
func Ping(ctx context.Context, addr string, vhost string, vport uint16) (*ServerStatus, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	c := conn.New(nc, conn.RoleClient)
	c.SetProtocol(catalog.DefaultVersion())
	go c.ReadLoop(ctx)

	done := make(chan *ServerStatus, 1)
	errCh := make(chan error, 1)
	h := &pingHandler{done: done, errCh: errCh}
	c.SetHandler(h)

	if err := sendHandshake(c, catalog.DefaultVersion(), vhost, vport, packet.NextModeStatus); err != nil {
		return nil, err
	}
	if err := c.SetMode(proto.Status); err != nil {
		return nil, err
	}
	if err := writePacket(c, &packet.StatusRequest{}); err != nil {
		return nil, err
	}
	sentAt := time.Now()
	pingPayload := randomUint64()
	if err := writePacket(c, &packet.StatusPing{Payload: pingPayload}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case st := <-done:
		st.Latency = time.Since(sentAt)
		return st, nil
	}
}

type pingHandler struct {
	json    string
	done    chan *ServerStatus
	errCh   chan error
	version proto.Protocol
}

func (h *pingHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	switch pc.Name {
	case "status_response":
		var p packet.StatusResponse
		if err := p.Decode(buf); err != nil {
			return err
		}
		h.json = p.JSON
		h.version = parseStatusProtocol(p.JSON)
	case "status_pong":
		var p packet.StatusPong
		if err := p.Decode(buf); err != nil {
			return err
		}
		h.done <- &ServerStatus{JSON: h.json, Protocol: h.version}
	}
	return nil
}

// parseStatusProtocol extracts "version":{"protocol":N} out of a status
// response JSON document, returning 0 if the field is absent or malformed
// (the caller falls back to catalog.DefaultVersion() in that case).
func parseStatusProtocol(raw string) proto.Protocol {
	var doc struct {
		Version struct {
			Protocol int32 `json:"protocol"`
		} `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return 0
	}
	return proto.Protocol(doc.Version.Protocol)
}

func (h *pingHandler) HandleUnknownPacket(pc *proto.PacketContext) {}
func (h *pingHandler) Disconnected() {
	select {
	case h.errCh <- errors.New("client: connection closed during ping"):
	default:
	}
}

// DialOptions configure Dial.
type DialOptions struct {
	// Protocol is the exact protocol version to use. If zero, Ping is
	// used first to auto-detect it.
	Protocol proto.Protocol
	VHost    string
	VPort    uint16

	// DisplayName is the login username.
	DisplayName string

	// Online, when true, performs Mojang session auth via Session and
	// AccessToken.
	Online      bool
	Session     auth.SessionService
	AccessToken string
	Refresher   auth.TokenRefresher // optional

	IdleTimeout time.Duration
}

// Client is a dialed connection driven through login to Play.
type Client struct {
	Conn     *conn.Conn
	Protocol proto.Protocol
}

// Dial connects to addr, performs the handshake and login flow, and
// returns once the connection reaches Play (or an error occurs). The
// caller installs its own play-mode Handler via SetHandler before
// further packets are dispatched.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	version := opts.Protocol
	if version == 0 {
		st, err := Ping(ctx, addr, opts.VHost, opts.VPort)
		if err != nil {
			return nil, fmt.Errorf("client: ping for version autodetect failed: %w", err)
		}
		version = st.Protocol
		if version == 0 {
			version = catalog.DefaultVersion()
		}
	}
	if !catalog.IsSupported(version) {
		return nil, errors.New("client: unknown protocol version")
	}

	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := conn.New(nc, conn.RoleClient)
	c.SetProtocol(version)
	if opts.IdleTimeout > 0 {
		c.SetIdleTimeout(opts.IdleTimeout)
	}

	loginDone := make(chan error, 1)
	h := newLoginHandler(c, opts, loginDone)
	c.SetHandler(h)

	go c.ReadLoop(ctx)

	if err := sendHandshake(c, version, opts.VHost, opts.VPort, packet.NextModeLogin); err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.SetMode(proto.Login); err != nil {
		nc.Close()
		return nil, err
	}
	if err := writePacket(c, &packet.LoginStart{DisplayName: opts.DisplayName}); err != nil {
		nc.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		nc.Close()
		return nil, ctx.Err()
	case err := <-loginDone:
		if err != nil {
			return nil, err
		}
		return &Client{Conn: c, Protocol: version}, nil
	}
}

// loginHandler drives the client side's login flow.
type loginHandler struct {
	c       *conn.Conn
	opts    DialOptions
	done    chan error
	attempt auth.AttemptState
}

func newLoginHandler(c *conn.Conn, opts DialOptions, done chan error) *loginHandler {
	return &loginHandler{c: c, opts: opts, done: done}
}

func (h *loginHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	switch pc.Name {
	case "encryption_request":
		return h.handleEncryptionRequest(ctx, buf)
	case "login_set_compression":
		var p packet.LoginSetCompression
		if err := p.Decode(buf); err != nil {
			return err
		}
		return h.c.EnableCompression(int(p.Threshold))
	case "login_success":
		p := packet.LoginSuccess{Protocol: h.c.Protocol()}
		if err := p.Decode(buf); err != nil {
			return err
		}
		if err := h.c.SetMode(proto.Play); err != nil {
			return err
		}
		h.finish(nil)
	case "login_disconnect":
		var p packet.LoginDisconnect
		if err := p.Decode(buf); err != nil {
			return err
		}
		h.finish(fmt.Errorf("client: kicked during login: %s", p.Reason))
	}
	return nil
}

func (h *loginHandler) handleEncryptionRequest(ctx context.Context, buf *buffer.Buffer) error {
	p := packet.EncryptionRequest{Protocol: h.c.Protocol()}
	if err := p.Decode(buf); err != nil {
		return err
	}
	pub, err := auth.ParsePublicKeyDER(p.PublicKey)
	if err != nil {
		return err
	}
	secret, err := auth.NewSharedSecret()
	if err != nil {
		return err
	}

	if h.opts.Online {
		digest := auth.SessionDigest(p.ServerID, secret, p.PublicKey)
		playerUUID := auth.OfflineUUID(h.opts.DisplayName) // offline-derived id; the login_success UUID is not stored
		attemptCtx, cancel := context.WithTimeout(ctx, auth.DefaultTimeout)
		defer cancel()
		state, err := auth.JoinWithRetry(attemptCtx, h.opts.Session, h.opts.Refresher, h.opts.AccessToken, playerUUID, digest)
		h.attempt = state
		if err != nil {
			h.finish(fmt.Errorf("client: session join failed: %w", err))
			return nil
		}
	}

	encSecret, err := auth.EncryptPKCS1v15(pub, secret)
	if err != nil {
		return err
	}
	encToken, err := auth.EncryptPKCS1v15(pub, p.VerifyToken)
	if err != nil {
		return err
	}

	resp := &packet.EncryptionResponse{SharedSecret: encSecret, VerifyToken: encToken, Protocol: h.c.Protocol()}
	if err := writePacket(h.c, resp); err != nil {
		return err
	}
	return h.c.EnableEncryption(secret)
}

func (h *loginHandler) finish(err error) {
	select {
	case h.done <- err:
	default:
	}
}

func (h *loginHandler) HandleUnknownPacket(pc *proto.PacketContext) {
	zap.L().Debug("client: unknown packet during login", zap.String("name", pc.Name))
}

func (h *loginHandler) Disconnected() {
	h.finish(errors.New("client: connection closed before login completed"))
}

func sendHandshake(c *conn.Conn, version proto.Protocol, vhost string, vport uint16, next packet.NextMode) error {
	return writePacket(c, &packet.Handshake{
		ProtocolVersion: int32(version),
		VHost:           vhost,
		VPort:           vport,
		NextMode:        next,
	})
}

func writePacket(c *conn.Conn, p interface {
	PacketName() string
	Encode(*buffer.Buffer) error
}) error {
	buf := buffer.New()
	if err := p.Encode(buf); err != nil {
		return err
	}
	return c.WritePacket(p.PacketName(), buf.Bytes())
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
