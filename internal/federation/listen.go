package federation

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/quic-go/quic-go"
)

// Listen runs host on every inbound federation tunnel connection
// accepted on addr until ctx is canceled.
func Listen(ctx context.Context, addr string, host *HostTunnel) error {
	tlsConf, err := sessionTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  idleCutoff,
		KeepAlivePeriod: pingInterval,
	})
	if err != nil {
		return fmt.Errorf("federation: listen %s: %w", addr, err)
	}
	defer ln.Close()

	logger := host.logger()
	logger.Info("federation: listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("federation: accept: %w", err)
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				logger.Warn("federation: accept stream failed", "remote", conn.RemoteAddr().String(), "err", err)
				conn.CloseWithError(0, "stream accept failed")
				return
			}
			wire := &quicStreamConn{stream: stream, conn: conn}
			if err := host.Handle(ctx, wire, conn.RemoteAddr().String()); err != nil {
				logger.Debug("federation: tunnel closed", "remote", conn.RemoteAddr().String(), "err", err)
			}
			conn.CloseWithError(0, "tunnel closed")
		}()
	}
}

// NewDialer returns a Dialer that opens a fresh QUIC connection and
// control stream to addr for each reconnect attempt.
func NewDialer(addr string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, err := quic.DialAddr(ctx, addr, dialTLSConfig(), &quic.Config{})
		if err != nil {
			return nil, fmt.Errorf("federation: dial %s: %w", addr, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "open stream failed")
			return nil, fmt.Errorf("federation: open stream: %w", err)
		}
		return &quicStreamConn{stream: stream, conn: conn}, nil
	}
}

// quicStreamConn adapts a quic.Stream plus its owning quic.Conn into an
// io.ReadWriteCloser that also tears down the connection on Close,
// mirroring internal/transport/p2p's control-stream lifetime.
type quicStreamConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicStreamConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}
