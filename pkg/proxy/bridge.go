// Package proxy implements the Proxy Bridge: a downstream
// (server-role) connection paired with an upstream (client-role)
// connection, a per-mode packet dispatch table, and fast-forward
// passthrough once both sides agree on a compression threshold.
package proxy

import (
	"context"
	"fmt"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"go.quarry.dev/quarry/pkg/auth"
	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/conn"
	"go.quarry.dev/quarry/pkg/errs"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/proto/packet"
)

// HandlerFunc inspects, rewrites, drops or injects a packet seen in
// forwarding mode. Returning forward=false suppresses the default
// forward-verbatim behaviour; the handler is then responsible for sending
// (or not sending) anything itself via Bridge's Downstream/Upstream.
type HandlerFunc func(b *Bridge, pc *proto.PacketContext, buf *buffer.Buffer) (forward bool, err error)

// Config configures a Bridge.
type Config struct {
	// TargetAddr is the factory-fixed upstream address. If empty, the
	// downstream handshake's virtual host is used instead.
	TargetAddr string
	Transport  RelayTransport // nil defaults to DirectTransport
	Session    auth.SessionService

	// Handlers maps "packet_<direction>_<name>" to a HandlerFunc.
	Handlers map[string]HandlerFunc

	// AllowFastForward permits the bridge to engage passthrough once both
	// sides' compression thresholds agree. Disabled by default since it
	// also disables inspection.
	AllowFastForward bool
}

// Bridge pairs one downstream connection with its dialed upstream
// connection.
type Bridge struct {
	cfg        Config
	Downstream *conn.Conn
	Upstream   *conn.Conn

	vhost       string
	displayName string
	protocol    proto.Protocol

	forwarding bool
	// preForwardQueue buffers downstream packets observed after
	// player_joined but before the upstream reaches play (the
	// Forge-style login window), the same way a vanilla client's extra
	// login-plugin messages would be queued.
	preForwardQueue deque.Deque
}

// New builds a Bridge for an already-accepted downstream connection.
// Call Start once the downstream has reached Play.
func New(downstream *conn.Conn, cfg Config) *Bridge {
	if cfg.Transport == nil {
		cfg.Transport = &DirectTransport{}
	}
	if cfg.Handlers == nil {
		cfg.Handlers = map[string]HandlerFunc{}
	}
	return &Bridge{cfg: cfg, Downstream: downstream}
}

// Start dials the upstream target and begins the login flow that ends
// with forwarding mode. vhost and displayName come from the downstream's
// handshake/login_start.
func (b *Bridge) Start(ctx context.Context, vhost, displayName string) error {
	b.vhost = vhost
	b.displayName = displayName
	b.protocol = b.Downstream.Protocol()
	b.Downstream.SetHandler(&downstreamQueueHandler{b: b})

	addr := b.cfg.TargetAddr
	if addr == "" {
		addr = vhost
	}

	nc, err := b.cfg.Transport.Dial(ctx, addr)
	if err != nil {
		_ = b.Downstream.CloseWithReason("Lost connection to server")
		return err
	}

	b.Upstream = conn.New(nc, conn.RoleClient)
	b.Upstream.SetProtocol(b.protocol)
	h := &upstreamHandler{b: b, done: make(chan error, 1)}
	b.Upstream.SetHandler(h)
	go b.Upstream.ReadLoop(ctx)

	if err := b.sendHandshakeAndLogin(); err != nil {
		_ = b.Downstream.CloseWithReason("Lost connection to server")
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-h.done:
		if err != nil {
			_ = b.Downstream.CloseWithReason("Lost connection to server")
			return err
		}
	}

	b.enableForwarding()
	return nil
}

func (b *Bridge) sendHandshakeAndLogin() error {
	if err := writeUp(b.Upstream, &packet.Handshake{
		ProtocolVersion: int32(b.protocol),
		VHost:           b.vhost,
		NextMode:        packet.NextModeLogin,
	}); err != nil {
		return err
	}
	if err := b.Upstream.SetMode(proto.Login); err != nil {
		return err
	}
	return writeUp(b.Upstream, &packet.LoginStart{DisplayName: b.displayName})
}

// upstreamHandler drives the client side of the upstream connection's
// login, exactly like pkg/client's loginHandler but reporting completion
// to the Bridge instead of a caller.
type upstreamHandler struct {
	b    *Bridge
	done chan error
}

func (h *upstreamHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	if h.b.forwarding {
		return h.b.packetReceived(proto.Downstream, pc, buf)
	}
	switch pc.Name {
	case "encryption_request":
		// Proxies dial upstream servers in offline mode: the upstream
		// server is expected to trust the proxy's own offline-derived
		// identity instead of Mojang session auth.
		var p packet.EncryptionRequest
		p.Protocol = h.b.protocol
		if err := p.Decode(buf); err != nil {
			return err
		}
		return errs.Auth("upstream server requires online mode, unsupported by the bridge", nil)
	case "login_set_compression":
		var p packet.LoginSetCompression
		if err := p.Decode(buf); err != nil {
			return err
		}
		return h.b.Upstream.EnableCompression(int(p.Threshold))
	case "login_success":
		p := packet.LoginSuccess{Protocol: h.b.protocol}
		if err := p.Decode(buf); err != nil {
			return err
		}
		if err := h.b.Upstream.SetMode(proto.Play); err != nil {
			return err
		}
		h.finish(nil)
	case "login_disconnect":
		var p packet.LoginDisconnect
		if err := p.Decode(buf); err != nil {
			return err
		}
		h.finish(fmt.Errorf("proxy: upstream kicked during login: %s", p.Reason))
	}
	return nil
}

func (h *upstreamHandler) finish(err error) {
	select {
	case h.done <- err:
	default:
	}
}

func (h *upstreamHandler) HandleUnknownPacket(pc *proto.PacketContext) {
	if h.b.forwarding {
		_ = h.b.forwardRaw(proto.Downstream, pc)
	}
}

func (h *upstreamHandler) Disconnected() {
	h.finish(fmt.Errorf("proxy: upstream connection closed"))
	_ = h.b.Downstream.CloseWithReason("Lost connection to server")
}

// downstreamQueueHandler is the downstream's handler for the window
// between Start and the upstream reaching play: every known packet the
// client sends (e.g. a Forge-style extra login plugin message) is queued
// and replayed once forwarding mode engages. Packets the catalog does not
// recognise are dropped in this window.
type downstreamQueueHandler struct {
	b *Bridge
}

func (h *downstreamQueueHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	cp := &proto.PacketContext{
		Mode: pc.Mode, Direction: pc.Direction, ID: pc.ID,
		Name: pc.Name, KnownPacket: pc.KnownPacket,
		Payload: append([]byte(nil), pc.Payload...),
	}
	h.b.preForwardQueue.PushBack(cp)
	_, _ = buf.ReadRest()
	return nil
}

func (h *downstreamQueueHandler) HandleUnknownPacket(pc *proto.PacketContext) {}
func (h *downstreamQueueHandler) Disconnected()                              {}

// downstreamForwardHandler replaces the server-role session handler once
// forwarding mode engages.
type downstreamForwardHandler struct {
	b *Bridge
}

func (h *downstreamForwardHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	return h.b.packetReceived(proto.Upstream, pc, buf)
}

func (h *downstreamForwardHandler) HandleUnknownPacket(pc *proto.PacketContext) {
	_ = h.b.forwardRaw(proto.Upstream, pc)
}

func (h *downstreamForwardHandler) Disconnected() {
	if h.b.Upstream != nil {
		_ = h.b.Upstream.Close()
	}
}

// enableForwarding re-binds both connections' handlers to the bridge's
// dispatch.
func (b *Bridge) enableForwarding() {
	b.forwarding = true
	b.Downstream.SetHandler(&downstreamForwardHandler{b: b})
	b.flushQueue()
	b.maybeFastForward()
}

// flushQueue replays anything buffered by downstreamQueueHandler in
// arrival order, now that the upstream is ready to receive it.
func (b *Bridge) flushQueue() {
	for b.preForwardQueue.Len() > 0 {
		pc := b.preForwardQueue.PopFront().(*proto.PacketContext)
		_ = b.forwardRaw(proto.Upstream, pc)
	}
}

// packetReceived is the bridge's own dispatch point: it looks up a
// registered handler by "packet_<direction>_<name>" and falls back to
// forwarding the raw bytes verbatim.
func (b *Bridge) packetReceived(dir proto.Direction, pc *proto.PacketContext, buf *buffer.Buffer) error {
	if pc.Name == "login_set_compression" || pc.Name == "play_set_compression" {
		// Observed in forwarding mode, this must also update the far
		// side's local threshold or fast-forward would desync.
		var p packet.LoginSetCompression
		if pc.Name == "play_set_compression" {
			var pp packet.PlaySetCompression
			if err := pp.Decode(buf); err != nil {
				return err
			}
			p.Threshold = pp.Threshold
		} else if err := p.Decode(buf); err != nil {
			return err
		}
		b.connFor(dir).SetCompressionThreshold(int(p.Threshold))
		b.maybeFastForward()
	}

	key := fmt.Sprintf("packet_%s_%s", dir, pc.Name)
	fn, hasHandler := b.cfg.Handlers[key]
	var forward = true
	var err error
	if hasHandler {
		forward, err = fn(b, pc, buf)
	}
	_, _ = buf.ReadRest() // the default/forward path re-serializes pc.Payload, not buf
	if err != nil || !forward {
		return err
	}
	return b.forwardRaw(dir, pc)
}

// forwardRaw re-serializes a known packet through the destination side's
// own catalog; a packet the catalog does not recognise is written with
// its original id via WriteRaw.
func (b *Bridge) forwardRaw(dir proto.Direction, pc *proto.PacketContext) error {
	dest := b.connFor(dir)
	if !pc.KnownPacket {
		body := buffer.New()
		body.WriteVarInt(pc.ID)
		body.Append(pc.Payload)
		return dest.WriteRaw(body.Bytes())
	}
	return dest.WritePacket(pc.Name, pc.Payload)
}

// connFor returns the connection a packet travelling in direction dir is
// destined for: Upstream-bound packets go to the upstream connection,
// Downstream-bound packets go to the downstream connection.
func (b *Bridge) connFor(dir proto.Direction) *conn.Conn {
	if dir == proto.Upstream {
		return b.Upstream
	}
	return b.Downstream
}

// maybeFastForward engages passthrough when both sides share a
// compression threshold and no handler is registered beyond the default.
// Engaging with mismatched thresholds would be a configuration error, so
// this only ever turns passthrough *on* when it is provably safe; it is
// re-checked whenever a set_compression packet updates either side's
// threshold.
func (b *Bridge) maybeFastForward() {
	if !b.cfg.AllowFastForward || len(b.cfg.Handlers) > 0 {
		return
	}
	if b.Downstream.CompressionThreshold() != b.Upstream.CompressionThreshold() {
		return
	}
	b.Downstream.EnablePassthrough(b.Upstream)
	b.Upstream.EnablePassthrough(b.Downstream)
	zap.S().Debugf("proxy: fast-forward engaged for %s", b.displayName)
}

func writeUp(c *conn.Conn, p interface {
	PacketName() string
	Encode(*buffer.Buffer) error
}) error {
	buf := buffer.New()
	if err := p.Encode(buf); err != nil {
		return err
	}
	return c.WritePacket(p.PacketName(), buf.Bytes())
}
