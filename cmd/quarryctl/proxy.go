package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.quarry.dev/quarry/pkg/auth"
	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/config"
	"go.quarry.dev/quarry/pkg/conn"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/proto/packet"
	"go.quarry.dev/quarry/pkg/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a single-target proxy bridge, printing every forwarded packet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogger(cfg.Debug); err != nil {
			return err
		}
		if err := config.Validate(&cfg, false, true); err != nil {
			return err
		}

		transport, err := buildTransport(cmd.Context(), cfg.Proxy)
		if err != nil {
			return err
		}

		ln, err := net.Listen("tcp", cfg.Proxy.ListenAddr)
		if err != nil {
			return err
		}
		zap.S().Infof("quarryctl: proxy listening on %s", cfg.Proxy.ListenAddr)

		ctx, cancel := context.WithCancel(cmd.Context())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		go func() {
			s := <-sig
			zap.S().Infof("quarryctl: received %s, shutting down", s)
			_ = ln.Close()
			cancel()
		}()
		defer func() { signal.Stop(sig); close(sig) }()

		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return err
				}
			}
			go acceptBridge(ctx, nc, cfg.Proxy, transport)
		}
	},
}

func buildTransport(ctx context.Context, pc config.ProxyConfig) (proxy.RelayTransport, error) {
	if pc.RelayAddr == "" {
		return &proxy.DirectTransport{}, nil
	}
	return proxy.NewRelayClient(func() (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", pc.RelayAddr)
	}), nil
}

// acceptBridge drives a single downstream connection through handshake and
// login, then hands it to a Bridge once it reaches play. quarryctl's own
// handshake/login driving here stands in for a full pkg/server factory:
// the downstream login is answered locally in offline mode (no
// encryption request), and the Bridge then logs in to the upstream on its
// own, also offline.
func acceptBridge(ctx context.Context, nc net.Conn, pc config.ProxyConfig, transport proxy.RelayTransport) {
	c := conn.New(nc, conn.RoleServer)
	if pc.IdleTimeout > 0 {
		c.SetIdleTimeout(pc.IdleTimeout)
	}
	h := &frontHandler{c: c, pc: pc, transport: transport, ctx: ctx}
	c.SetHandler(h)
	c.ReadLoop(ctx)
}

type frontHandler struct {
	c         *conn.Conn
	pc        config.ProxyConfig
	transport proxy.RelayTransport
	ctx       context.Context

	vhost       string
	displayName string
}

func (h *frontHandler) HandlePacket(ctx context.Context, pc *proto.PacketContext, buf *buffer.Buffer) error {
	switch pc.Name {
	case "handshake":
		return h.handleHandshake(buf)
	case "login_start":
		return h.handleLoginStart(buf)
	}
	_, _ = buf.ReadRest()
	return nil
}

func (h *frontHandler) handleHandshake(buf *buffer.Buffer) error {
	var p packet.Handshake
	if err := p.Decode(buf); err != nil {
		return err
	}
	h.vhost = p.VHost
	h.c.SetProtocol(proto.Protocol(p.ProtocolVersion))
	if p.NextMode == packet.NextModeStatus {
		return h.c.SetMode(proto.Status)
	}
	return h.c.SetMode(proto.Login)
}

func (h *frontHandler) handleLoginStart(buf *buffer.Buffer) error {
	var p packet.LoginStart
	if err := p.Decode(buf); err != nil {
		return err
	}
	h.displayName = p.DisplayName

	// The bridge dials upstream only once the downstream itself has
	// reached play (player_joined); the proxy completes the downstream's
	// own login offline, the same way pkg/server's finishLogin does,
	// before handing the connection to the Bridge.
	success := &packet.LoginSuccess{UUID: auth.OfflineUUID(h.displayName), DisplayName: h.displayName, Protocol: h.c.Protocol()}
	sbuf := buffer.New()
	if err := success.Encode(sbuf); err != nil {
		return err
	}
	if err := h.c.WritePacket(success.PacketName(), sbuf.Bytes()); err != nil {
		return err
	}
	if err := h.c.SetMode(proto.Play); err != nil {
		return err
	}

	b := proxy.New(h.c, proxy.Config{
		TargetAddr:       h.pc.TargetAddr,
		Transport:        h.transport,
		AllowFastForward: h.pc.AllowFastForward,
		Handlers: map[string]proxy.HandlerFunc{
			"packet_upstream_chat_message":   logPacket(color.New(color.FgCyan)),
			"packet_downstream_chat_message": logPacket(color.New(color.FgMagenta)),
		},
	})
	go func() {
		if err := b.Start(h.ctx, h.vhost, h.displayName); err != nil {
			zap.S().Warnf("quarryctl: bridge for %s failed: %v", h.displayName, err)
		}
	}()
	return nil
}

// logPacket prints a colored one-line trace of every packet it sees, then
// always forwards it unchanged (an inspect-only handler).
func logPacket(c *color.Color) proxy.HandlerFunc {
	return func(b *proxy.Bridge, pc *proto.PacketContext, buf *buffer.Buffer) (bool, error) {
		c.Printf("[%s] %s (%d bytes)\n", pc.Direction, pc.Name, len(pc.Payload))
		return true, nil
	}
}

func (h *frontHandler) HandleUnknownPacket(pc *proto.PacketContext) {}
func (h *frontHandler) Disconnected()                               {}
