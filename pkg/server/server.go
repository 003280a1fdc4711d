// Package server implements the Server Endpoint: a TCP
// listener, a per-factory status config, the login flow (encryption,
// compression, session verification), and the bounded current-players set.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go.quarry.dev/quarry/pkg/auth"
	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/conn"
	"go.quarry.dev/quarry/pkg/errs"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/proto/catalog"
	"go.quarry.dev/quarry/pkg/proto/packet"
)

var errServerFull = errors.New("server: max players reached")

// StatusConfig is the factory-level status document: version name+protocol
// and favicon beyond the bare MOTD/players.
type StatusConfig struct {
	MOTD            string
	FaviconBase64   string // data:image/png;base64,... or empty
	MaxPlayers      int
	VersionName     string
	ProtocolVersion proto.Protocol
}

// JSON renders the status document as a minimal hand-built JSON string (no
// component library: the payload is opaque).
func (s *StatusConfig) JSON(online int) string {
	out := fmt.Sprintf(
		`{"version":{"name":%q,"protocol":%d},"players":{"max":%d,"online":%d},"description":{"text":%q}`,
		s.VersionName, s.ProtocolVersion, s.MaxPlayers, online, s.MOTD,
	)
	if s.FaviconBase64 != "" {
		out += fmt.Sprintf(`,"favicon":%q`, s.FaviconBase64)
	}
	return out + "}"
}

// Config configures a Factory.
type Config struct {
	ListenAddr  string
	Status      StatusConfig
	OnlineMode  bool
	Compression CompressionConfig
	IdleTimeout time.Duration

	// ConnRate/ConnBurst bound new connection attempts per source IP.
	// Zero disables limiting.
	ConnRate  rate.Limit
	ConnBurst int

	Session auth.SessionService
}

// CompressionConfig configures the threshold the factory advertises on
// entering play.
type CompressionConfig struct {
	Enabled   bool
	Threshold int
}

// Factory is the shared, mostly-read-only state backing a listening
// server: the RSA keypair, the favicon/status document, and the bounded
// players set.
type Factory struct {
	cfg     Config
	keys    *auth.KeyPair
	players *players

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	listener net.Listener
}

// NewFactory generates the server's RSA keypair and prepares a Factory
// ready to Serve.
func NewFactory(cfg Config) (*Factory, error) {
	keys, err := auth.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if cfg.Session == nil {
		cfg.Session = auth.NewMojangSessionService()
	}
	return &Factory{
		cfg:      cfg,
		keys:     keys,
		players:  newPlayers(cfg.Status.MaxPlayers),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Serve listens on cfg.ListenAddr and accepts connections until ctx is
// cancelled or the listener errors.
func (f *Factory) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", f.cfg.ListenAddr)
	if err != nil {
		return err
	}
	f.listener = ln
	zap.S().Infof("server: listening on %s", f.cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errs.IsConnClosedErr(err) {
				return nil
			}
			zap.L().Warn("server: accept error", zap.Error(err))
			continue
		}
		if !f.allow(nc.RemoteAddr()) {
			zap.S().Debugf("server: rate-limited %s", nc.RemoteAddr())
			_ = nc.Close()
			continue
		}
		go f.handleConn(ctx, nc)
	}
}

func (f *Factory) allow(addr net.Addr) bool {
	if f.cfg.ConnRate <= 0 {
		return true
	}
	host := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok {
		host = tcp.IP.String()
	}
	f.limitersMu.Lock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := f.cfg.ConnBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(f.cfg.ConnRate, burst)
		f.limiters[host] = lim
	}
	f.limitersMu.Unlock()
	return lim.Allow()
}

// Addr returns the listener's bound address, or nil before Serve has
// started listening. Useful when ListenAddr uses an ephemeral ":0" port.
func (f *Factory) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Close stops accepting new connections.
func (f *Factory) Close() error {
	if f.listener != nil {
		return f.listener.Close()
	}
	return nil
}

// PlayerCount returns the number of players currently in play mode.
func (f *Factory) PlayerCount() int { return f.players.count() }

func (f *Factory) handleConn(ctx context.Context, nc net.Conn) {
	c := conn.New(nc, conn.RoleServer)
	if f.cfg.IdleTimeout > 0 {
		c.SetIdleTimeout(f.cfg.IdleTimeout)
	}
	h := &sessionHandler{f: f, c: c, remoteIP: remoteIP(nc.RemoteAddr())}
	c.SetHandler(h)
	c.ReadLoop(ctx)
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}

// sessionHandler drives one connection through handshake, status/login,
// and into play.
type sessionHandler struct {
	f        *Factory
	c        *conn.Conn
	remoteIP string

	displayName string
	verifyToken []byte
	serverID    string

	joined atomic.Bool
}

func (h *sessionHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	switch pc.Name {
	case "handshake":
		return h.handleHandshake(buf)
	case "status_request":
		return h.handleStatusRequest()
	case "status_ping":
		return h.handleStatusPing(buf)
	case "login_start":
		return h.handleLoginStart(ctx, buf)
	case "encryption_response":
		return h.handleEncryptionResponse(ctx, buf)
	case "keep_alive", "chat_message":
		_, _ = buf.ReadRest() // accepted, not acted on: play logic is out of scope here
	}
	return nil
}

func (h *sessionHandler) handleHandshake(buf *buffer.Buffer) error {
	var p packet.Handshake
	if err := p.Decode(buf); err != nil {
		return err
	}
	version := proto.Protocol(p.ProtocolVersion)
	if !catalog.IsSupported(version) {
		return errs.Protocol("unknown protocol version", nil)
	}
	h.c.SetProtocol(version)
	switch p.NextMode {
	case packet.NextModeStatus:
		return h.c.SetMode(proto.Status)
	case packet.NextModeLogin:
		return h.c.SetMode(proto.Login)
	default:
		return errs.Protocol("illegal mode transition", nil)
	}
}

func (h *sessionHandler) handleStatusRequest() error {
	json := h.f.cfg.Status.JSON(h.f.PlayerCount())
	return writePacket(h.c, &packet.StatusResponse{JSON: json})
}

func (h *sessionHandler) handleStatusPing(buf *buffer.Buffer) error {
	var p packet.StatusPing
	if err := p.Decode(buf); err != nil {
		return err
	}
	return writePacket(h.c, &packet.StatusPong{Payload: p.Payload})
}

func (h *sessionHandler) handleLoginStart(ctx context.Context, buf *buffer.Buffer) error {
	var p packet.LoginStart
	if err := p.Decode(buf); err != nil {
		return err
	}
	h.displayName = p.DisplayName

	if !h.f.cfg.OnlineMode {
		return h.finishLogin(ctx, auth.OfflineUUID(h.displayName))
	}

	serverID, err := auth.NewServerID()
	if err != nil {
		return errs.Crypto("failed to generate server id", err)
	}
	token, err := auth.NewVerifyToken()
	if err != nil {
		return errs.Crypto("failed to generate verify token", err)
	}
	h.serverID = serverID
	h.verifyToken = token

	req := &packet.EncryptionRequest{
		ServerID:    serverID,
		PublicKey:   h.f.keys.DER,
		VerifyToken: token,
		Protocol:    h.c.Protocol(),
	}
	return writePacket(h.c, req)
}

func (h *sessionHandler) handleEncryptionResponse(ctx context.Context, buf *buffer.Buffer) error {
	p := packet.EncryptionResponse{Protocol: h.c.Protocol()}
	if err := p.Decode(buf); err != nil {
		return err
	}
	token, err := auth.DecryptPKCS1v15(h.f.keys.Private, p.VerifyToken)
	if err != nil || string(token) != string(h.verifyToken) {
		return errs.Crypto("verify token mismatch", nil)
	}
	secret, err := auth.DecryptPKCS1v15(h.f.keys.Private, p.SharedSecret)
	if err != nil {
		return errs.Crypto("failed to decrypt shared secret", err)
	}
	if err := h.c.EnableEncryption(secret); err != nil {
		return err
	}

	digest := auth.SessionDigest(h.serverID, secret, h.f.keys.DER)
	attemptCtx, cancel := context.WithTimeout(ctx, auth.DefaultTimeout)
	defer cancel()
	result, err := h.f.cfg.Session.HasJoined(attemptCtx, h.displayName, digest, h.remoteIP)
	if err != nil {
		_ = h.c.CloseWithReason("Auth failed: " + err.Error())
		return errs.Silent(err)
	}
	return h.finishLogin(ctx, result.ID)
}

func (h *sessionHandler) finishLogin(ctx context.Context, id uuid.UUID) error {
	if h.f.cfg.Compression.Enabled {
		if err := writePacket(h.c, &packet.LoginSetCompression{Threshold: int32(h.f.cfg.Compression.Threshold)}); err != nil {
			return err
		}
		if err := h.c.EnableCompression(h.f.cfg.Compression.Threshold); err != nil {
			return err
		}
	}

	if !h.f.players.tryJoin() {
		_ = h.c.CloseWith("login_disconnect", jsonText("Server is full"))
		return errs.Silent(errServerFull)
	}
	h.joined.Store(true)

	success := &packet.LoginSuccess{UUID: id, DisplayName: h.displayName, Protocol: h.c.Protocol()}
	if err := writePacket(h.c, success); err != nil {
		h.f.players.leave()
		return err
	}
	return h.c.SetMode(proto.Play)
}

func (h *sessionHandler) HandleUnknownPacket(pc *proto.PacketContext) {
	zap.L().Debug("server: unknown packet", zap.String("mode", pc.Mode.String()), zap.Int32("id", pc.ID))
}

func (h *sessionHandler) Disconnected() {
	h.c.FirePlayerLeft(func() {
		if h.joined.Load() {
			h.f.players.leave()
		}
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

func jsonText(s string) []byte {
	b := buffer.New()
	b.WriteString(`{"text":"` + s + `"}`)
	return b.Bytes()
}

// players is the factory's bounded current-players set.
type players struct {
	mu      sync.Mutex
	current int
	max     int
}

func newPlayers(max int) *players { return &players{max: max} }

func (p *players) tryJoin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max > 0 && p.current >= p.max {
		return false
	}
	p.current++
	return true
}

func (p *players) leave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current > 0 {
		p.current--
	}
}

func (p *players) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
