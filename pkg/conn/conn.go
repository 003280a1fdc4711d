// Package conn implements the per-connection state machine: the fixed
// mode graph, the inbound/outbound frame pipeline wiring, idle-timeout
// tracking, and the once-only inGame/player_left transition.
//
// The read loop ownership, atomic closed/knownDisconnect flags, and
// mutex-guarded mode/session-handler fields follow a minecraftConn-style
// design, adapted to the cursor-buffer pipeline used here instead of an
// io.Reader/io.Writer pipeline.
package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/codec"
	"go.quarry.dev/quarry/pkg/errs"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/proto/catalog"
	"go.quarry.dev/quarry/pkg/ticker"
)

// Role decides which direction a side reads/writes: a client reads
// downstream and writes upstream; a server is reversed.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Handler receives dispatched inbound packets and lifecycle callbacks
// for one connection. One handler is active per connection at a time,
// mirroring a typical sessionHandler interface.
type Handler interface {
	// HandlePacket handles a fully decoded, known packet body. A returned
	// error wrapping buffer.ErrUnderrun (packet too short) closes the
	// connection with "Protocol error"; any other error closes it with
	// "Handler error", unless the error is an *errs.SilentError. Bytes
	// left unread after a nil return (packet too long) also close it
	// with "Protocol error".
	HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error
	// HandleUnknownPacket is invoked for ids the catalog does not
	// recognise; the default behaviour is to discard the payload.
	HandleUnknownPacket(pc *proto.PacketContext)
	// Disconnected tears down any handler-owned state when the
	// connection closes.
	Disconnected()
}

// ErrPacketTooLong / ErrPacketTooShort name the two dispatcher failures.
// dispatchFrame itself does not return them: it logs the failure and
// closes the connection with "Protocol error".
var (
	ErrPacketTooLong  = errors.New("conn: packet too long")
	ErrPacketTooShort = errors.New("conn: packet too short")
)

// legalEdges is the legal mode transition graph.
var legalEdges = map[proto.Mode]map[proto.Mode]bool{
	proto.Init: {
		proto.Status: true,
		proto.Login:  true,
	},
	proto.Login: {
		proto.Play: true,
	},
}

// Conn is one TCP endpoint speaking the Quarry wire protocol.
type Conn struct {
	role Role
	nc   net.Conn

	in  proto.Direction // the direction of inbound frames for this role
	out proto.Direction // the direction of outbound frames for this role

	pipelineIn  *codec.Pipeline // applied to reads (sockets -> accumulator)
	pipelineOut *codec.Pipeline // applied to writes (buffer -> socket)
	accum       *buffer.Buffer  // inbound cursor buffer

	mu       sync.RWMutex
	mode     proto.Mode
	protocol proto.Protocol
	handler  Handler

	closed          atomic.Bool
	knownDisconnect atomic.Bool
	inGame          atomic.Bool
	playerLeftFired atomic.Bool

	closeOnce  sync.Once
	cancelFunc context.CancelFunc

	Ticker *ticker.Ticker

	idleTimer interface {
		Restart()
	}
	idleInterval time.Duration

	remoteAddr net.Addr

	// safeKickUntil implements the 1.7.x safe-kick latch: while non-zero,
	// any kick is deferred until this time passes.
	mu2           sync.Mutex
	safeKickUntil time.Time
	pendingKick   []byte // already-encoded kick frame body waiting on the latch

	// passthroughTo, when set, redirects every frame read on this
	// connection straight to the named destination's WriteRaw instead of
	// dispatching it (fast-forward). Catalog lookup, PacketContext
	// construction and Handler dispatch are all skipped; only the
	// decompress-on-read/recompress-on-write cost remains, since frame
	// boundaries still have to be found.
	passthroughMu sync.RWMutex
	passthroughTo *Conn
}

// New wraps an accepted/dialed net.Conn. role decides the direction pair;
// the connection starts in Init mode with the catalog's default protocol
// version.
func New(nc net.Conn, role Role) *Conn {
	in, out := proto.Downstream, proto.Upstream
	if role == RoleServer {
		in, out = proto.Upstream, proto.Downstream
	}
	c := &Conn{
		role:         role,
		nc:           nc,
		in:           in,
		out:          out,
		pipelineIn:   codec.NewPipeline(),
		pipelineOut:  codec.NewPipeline(),
		accum:        buffer.New(),
		mode:         proto.Init,
		protocol:     catalog.DefaultVersion(),
		Ticker:       ticker.New(),
		idleInterval: 30 * time.Second,
		remoteAddr:   nc.RemoteAddr(),
	}
	c.Ticker.Start()
	c.idleTimer = c.Ticker.AddDelay(idleTicks(c.idleInterval), c.onIdleTimeout)
	return c
}

func idleTicks(d time.Duration) int64 {
	n := int64(d / ticker.TickInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// SetIdleTimeout changes the idle-timer interval; the timer is re-armed
// at the new interval from now, and every later restart uses it.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleInterval = d
	old := c.idleTimer
	c.idleTimer = c.Ticker.AddDelay(idleTicks(d), c.onIdleTimeout)
	c.mu.Unlock()
	if t, ok := old.(ticker.Task); ok {
		t.Stop()
	}
}

func (c *Conn) onIdleTimeout() {
	zap.S().Debugf("%s: connection timed out", c.remoteAddr)
	_ = c.CloseWithReason("Connection timed out")
}

// SetHandler installs the active session handler (dispatch).
func (c *Conn) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Mode returns the connection's current mode.
func (c *Conn) Mode() proto.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode transitions the connection to mode, enforcing the legal edge
// set. Entering Play sets inGame exactly once.
func (c *Conn) SetMode(mode proto.Mode) error {
	c.mu.Lock()
	cur := c.mode
	if cur != mode && !legalEdges[cur][mode] {
		c.mu.Unlock()
		return errs.Protocol("illegal mode transition", nil)
	}
	c.mode = mode
	c.mu.Unlock()

	if mode == proto.Play {
		if c.inGame.CAS(false, true) {
			if c.protocol == proto.Minecraft_1_7_2 {
				c.armSafeKickLatch()
			}
		}
	}
	return nil
}

// Protocol returns the negotiated protocol version.
func (c *Conn) Protocol() proto.Protocol { return c.protocol }

// SetProtocol fixes the protocol version after handshake.
func (c *Conn) SetProtocol(p proto.Protocol) { c.protocol = p }

// InGame reports whether the connection has ever entered Play.
func (c *Conn) InGame() bool { return c.inGame.Load() }

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool { return c.closed.Load() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

// EnableEncryption turns on AES-CFB8 for both directions using secret as
// both key and IV. Only valid on a frame boundary.
func (c *Conn) EnableEncryption(secret []byte) error {
	if err := c.pipelineIn.Cipher.Enable(secret); err != nil {
		return err
	}
	return c.pipelineOut.Cipher.Enable(secret)
}

// EnableCompression turns on the double-varint frame prefix for both
// directions at the given threshold. Calling this again with a matching
// threshold is treated as an idempotent duplicate enable; a mismatched
// threshold is a protocol error.
func (c *Conn) EnableCompression(threshold int) error {
	if c.pipelineIn.Compression.Enabled() {
		if c.pipelineIn.Compression.Threshold() != threshold {
			return errs.Protocol("compression already enabled with a different threshold", nil)
		}
		return nil
	}
	c.pipelineIn.Compression.Enable(threshold, 0)
	c.pipelineOut.Compression.Enable(threshold, 0)
	return nil
}

// SetCompressionThreshold resets the threshold without touching the
// enabled bit.
func (c *Conn) SetCompressionThreshold(threshold int) {
	c.pipelineIn.Compression.SetThreshold(threshold)
	c.pipelineOut.Compression.SetThreshold(threshold)
}

// CompressionThreshold returns the outbound compression threshold, or -1
// if disabled. Used by the proxy bridge to detect fast-forward eligibility.
func (c *Conn) CompressionThreshold() int {
	if !c.pipelineOut.Compression.Enabled() {
		return -1
	}
	return c.pipelineOut.Compression.Threshold()
}

// ReadLoop is the connection's main goroutine: it reads chunks from the
// socket, feeds them through the pipeline, and dispatches complete frames
// to the active handler. Returns when the connection closes.
func (c *Conn) ReadLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() { _ = c.close(false) }()

	chunk := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := c.nc.Read(chunk)
		if n > 0 {
			c.pipelineIn.FeedChunk(c.accum, chunk[:n])
			if !c.drainFrames(ctx) {
				return
			}
		}
		if err != nil {
			if !errs.IsConnClosedErr(err) {
				zap.L().Debug("conn: read error", zap.Error(err))
			}
			return
		}
	}
}

// drainFrames repeatedly reads and dispatches complete frames from the
// accumulator until it underruns. Returns false if the connection should
// stop reading.
func (c *Conn) drainFrames(ctx context.Context) bool {
	for {
		body, ok, err := c.pipelineIn.TryReadFrame(c.accum, c.Mode())
		if err != nil {
			zap.L().Debug("conn: protocol error reading frame", zap.Error(err))
			_ = c.CloseWithReason("Protocol error")
			return false
		}
		if !ok {
			c.accum.Discard()
			return true
		}
		if dest := c.Passthrough(); dest != nil {
			if err := dest.WriteRaw(body); err != nil {
				return false
			}
		} else if !c.dispatchFrame(ctx, body) {
			return false
		}
		c.restartIdleTimer()
	}
}

// EnablePassthrough puts the connection into fast-forward: every
// subsequent frame is written verbatim to dest instead of being
// dispatched. The caller must ensure both sides share the same
// compression threshold before calling this; EnablePassthrough itself
// does not check.
func (c *Conn) EnablePassthrough(dest *Conn) {
	c.passthroughMu.Lock()
	c.passthroughTo = dest
	c.passthroughMu.Unlock()
}

// DisablePassthrough returns the connection to normal dispatch.
func (c *Conn) DisablePassthrough() {
	c.passthroughMu.Lock()
	c.passthroughTo = nil
	c.passthroughMu.Unlock()
}

// Passthrough returns the connection's current fast-forward destination,
// or nil if dispatch is active.
func (c *Conn) Passthrough() *Conn {
	c.passthroughMu.RLock()
	defer c.passthroughMu.RUnlock()
	return c.passthroughTo
}

func (c *Conn) restartIdleTimer() {
	if r, ok := c.idleTimer.(interface{ Restart() }); ok {
		r.Restart()
	}
}

func (c *Conn) dispatchFrame(ctx context.Context, body []byte) bool {
	decode := buffer.From(body)
	mode := c.Mode()
	id, err := decode.ReadVarInt(32)
	if err != nil {
		_ = c.CloseWithReason("Protocol error")
		return false
	}
	name, nameErr := catalog.NameOf(c.protocol, mode, c.in, id)
	pc := &proto.PacketContext{
		Mode:        mode,
		Direction:   c.in,
		ID:          id,
		Name:        name,
		KnownPacket: nameErr == nil,
		Payload:     decode.Bytes(),
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return true
	}

	if !pc.KnownPacket {
		h.HandleUnknownPacket(pc)
		return true
	}

	err = h.HandlePacket(ctx, pc, decode)
	if err != nil {
		var silent *errs.SilentError
		if errors.As(err, &silent) {
			// The handler already sent its own kick/close (e.g. "Server is
			// full", "Auth failed: ..."); nothing left to log.
			return false
		}
		if errors.Is(err, buffer.ErrUnderrun) {
			zap.L().Debug("conn: packet too short", zap.String("packet", name))
			_ = c.CloseWithReason("Protocol error")
			return false
		}
		zap.L().Debug("conn: handler error", zap.String("packet", name), zap.Error(err))
		_ = c.CloseWithReason("Handler error")
		return false
	}
	if decode.Len() != 0 {
		zap.L().Debug("conn: packet too long", zap.String("packet", name), zap.Int("unread", decode.Len()))
		_ = c.CloseWithReason("Protocol error")
		return false
	}
	return true
}

// WritePacket resolves id via the catalog for (version, mode, out, name),
// frames the body, compresses and encrypts it, and writes it to the
// socket.
func (c *Conn) WritePacket(name string, payload []byte) error {
	if c.Closed() {
		return errs.New(errs.KindTransport, "connection is closed", nil)
	}
	mode := c.Mode()
	id, err := catalog.IDOf(c.protocol, mode, c.out, name)
	if err != nil {
		return err
	}
	body := codec.EncodePacketBody(id, payload)
	framed, err := c.pipelineOut.EncodeFrame(body)
	if err != nil {
		return err
	}
	final := c.pipelineOut.Cipher.EncryptOutbound(framed)
	_, err = c.nc.Write(final)
	if err != nil {
		_ = c.close(false)
	}
	return err
}

// WriteRaw writes a pre-framed packet body (id already included) through
// the same compression/cipher pipeline, without resolving a name. Used by
// the proxy bridge when forwarding unknown packets verbatim.
func (c *Conn) WriteRaw(body []byte) error {
	if c.Closed() {
		return errs.New(errs.KindTransport, "connection is closed", nil)
	}
	framed, err := c.pipelineOut.EncodeFrame(body)
	if err != nil {
		return err
	}
	final := c.pipelineOut.Cipher.EncryptOutbound(framed)
	_, err = c.nc.Write(final)
	if err != nil {
		_ = c.close(false)
	}
	return err
}

// armSafeKickLatch implements the 1.7.x race workaround: a kick requested
// within 0.5s of entering Play is deferred until the latch fires.
func (c *Conn) armSafeKickLatch() {
	c.mu2.Lock()
	c.safeKickUntil = time.Now().Add(500 * time.Millisecond)
	c.mu2.Unlock()
	c.Ticker.AddDelay(10, c.releaseSafeKickLatch) // 10 ticks = 500ms @ 20Hz
}

func (c *Conn) releaseSafeKickLatch() {
	c.mu2.Lock()
	c.safeKickUntil = time.Time{}
	pending := c.pendingKick
	c.pendingKick = nil
	c.mu2.Unlock()
	if pending != nil {
		_ = c.WriteRaw(pending)
		_ = c.close(true)
	}
}

func (c *Conn) safeKickActive() bool {
	c.mu2.Lock()
	defer c.mu2.Unlock()
	return !c.safeKickUntil.IsZero() && time.Now().Before(c.safeKickUntil)
}

// CloseWith sends the named packet then closes, honouring the safe-kick
// latch when the connection just entered Play on 1.7.x.
func (c *Conn) CloseWith(name string, payload []byte) error {
	if c.Closed() {
		return errs.New(errs.KindTransport, "connection is closed", nil)
	}
	mode := c.Mode()
	id, err := catalog.IDOf(c.protocol, mode, c.out, name)
	if err != nil {
		return err
	}
	body := codec.EncodePacketBody(id, payload)

	if mode == proto.Play && c.protocol == proto.Minecraft_1_7_2 && c.safeKickActive() {
		c.mu2.Lock()
		c.pendingKick = body
		c.mu2.Unlock()
		c.knownDisconnect.Store(true)
		return nil
	}

	c.knownDisconnect.Store(true)
	if err := c.WriteRaw(body); err != nil {
		return err
	}
	return c.close(true)
}

// CloseWithReason closes the connection, sending a kick if the mode still
// permits one (login/play).
func (c *Conn) CloseWithReason(reason string) error {
	switch c.Mode() {
	case proto.Login:
		_ = c.CloseWith("login_disconnect", jsonReason(reason))
		return nil
	case proto.Play:
		_ = c.CloseWith("disconnect", jsonReason(reason))
		return nil
	default:
		return c.close(false)
	}
}

func jsonReason(reason string) []byte {
	b := buffer.New()
	b.WriteString(`{"text":"` + escapeJSON(reason) + `"}`)
	return b.Bytes()
}

func escapeJSON(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Close closes the connection without sending a kick (e.g. normal/remote
// close paths).
func (c *Conn) Close() error { return c.close(false) }

func (c *Conn) close(known bool) (err error) {
	c.closeOnce.Do(func() {
		if known {
			c.knownDisconnect.Store(true)
		}
		c.closed.Store(true)
		if c.cancelFunc != nil {
			c.cancelFunc()
		}
		c.Ticker.Stop()
		err = c.nc.Close()

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h.Disconnected()
		}
	})
	return err
}

// FirePlayerLeft invokes fn at most once, and only if the connection ever
// reached Play.
func (c *Conn) FirePlayerLeft(fn func()) {
	if !c.inGame.Load() {
		return
	}
	if c.playerLeftFired.CAS(false, true) {
		fn()
	}
}
