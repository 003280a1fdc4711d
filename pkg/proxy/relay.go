package proxy

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
)

// RelayTransport abstracts how a Bridge dials its upstream target. The
// default is a direct per-bridge TCP dial; RelayClient multiplexes many
// bridges' upstream dials over one outbound yamux session, useful when a
// proxy fronts many downstream players through a single relay link (e.g.
// to a jump host that then dials the real backends).
type RelayTransport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// DirectTransport dials addr directly over a fresh TCP connection.
type DirectTransport struct {
	Dialer net.Dialer
}

func (d *DirectTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", addr)
}

// RelayClient multiplexes every Dial over one yamux session opened
// against a relay server. One stream is opened per Dial call; the
// stream's first line carries the requested destination address so the
// relay server knows where to connect it on the far side.
type RelayClient struct {
	mu      sync.Mutex
	session *yamux.Session
	dial    func() (net.Conn, error)
}

// NewRelayClient builds a RelayClient that lazily opens its yamux
// session over a connection obtained from dial (typically a TCP dial to
// the relay server's control port).
func NewRelayClient(dial func() (net.Conn, error)) *RelayClient {
	return &RelayClient{dial: dial}
}

func (r *RelayClient) Dial(ctx context.Context, addr string) (net.Conn, error) {
	r.mu.Lock()
	sess := r.session
	if sess == nil || sess.IsClosed() {
		nc, err := r.dial()
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		sess, err = yamux.Client(nc, nil)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.session = sess
	}
	r.mu.Unlock()

	stream, err := sess.OpenStream()
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(append([]byte(addr), '\n')); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Close tears down the underlying yamux session, if any.
func (r *RelayClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return r.session.Close()
	}
	return nil
}

// RelayServer accepts a yamux session on an already-established control
// connection and dials each stream's requested address with Dialer,
// splicing the two together. It is the counterpart to RelayClient on the
// jump-host side of relay mode.
type RelayServer struct {
	Dialer net.Dialer
}

// Serve runs until the session or ctx ends. Each accepted stream is
// handled in its own goroutine.
func (s *RelayServer) Serve(ctx context.Context, nc net.Conn) error {
	sess, err := yamux.Server(nc, nil)
	if err != nil {
		return err
	}
	defer sess.Close()
	go func() {
		<-ctx.Done()
		sess.Close()
	}()
	for {
		stream, err := sess.Accept()
		if err != nil {
			return err
		}
		go s.handleStream(ctx, stream)
	}
}

func (s *RelayServer) handleStream(ctx context.Context, stream net.Conn) {
	defer stream.Close()
	addr, err := readLine(stream)
	if err != nil {
		return
	}
	target, err := s.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return
	}
	defer target.Close()
	splice(stream, target)
}

func readLine(nc net.Conn) (string, error) {
	buf := make([]byte, 0, 256)
	b := make([]byte, 1)
	for {
		n, err := nc.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				return string(buf), nil
			}
			buf = append(buf, b[0])
		}
		if err != nil {
			return "", err
		}
	}
}

func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = copyBuf(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
}

func copyBuf(dst, src net.Conn) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			return total, err
		}
	}
}
