package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/protocol"
)

// ConnectionThread owns one listening socket and serves one remote worker
// at a time: it accepts a client, runs its proxy until the connection ends,
// then accepts the next.
type ConnectionThread struct {
	address      string
	codec        *protocol.Codec
	maxFrameSize int
	writeTimeout time.Duration
	proxyConfig  ProxyConfig
	logger       *zap.Logger

	listener net.Listener

	mu      sync.Mutex
	current *RemoteWorkerProxy
}

// ConnectionConfig configures a ConnectionThread.
type ConnectionConfig struct {
	Address      string
	Codec        *protocol.Codec
	MaxFrameSize int
	WriteTimeout time.Duration
	Proxy        ProxyConfig
	Logger       *zap.Logger
}

// NewConnectionThread creates a thread; Listen must be called before Serve.
func NewConnectionThread(cfg ConnectionConfig) *ConnectionThread {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	cfg.Proxy.Listener = cfg.Address
	if cfg.Proxy.Logger == nil {
		cfg.Proxy.Logger = cfg.Logger
	}
	return &ConnectionThread{
		address:      cfg.Address,
		codec:        cfg.Codec,
		maxFrameSize: cfg.MaxFrameSize,
		writeTimeout: cfg.WriteTimeout,
		proxyConfig:  cfg.Proxy,
		logger:       cfg.Logger.With(zap.String("listen", cfg.Address)),
	}
}

// Listen opens the socket.
func (t *ConnectionThread) Listen() error {
	l, err := net.Listen("tcp", t.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.address, err)
	}
	t.listener = l
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (t *ConnectionThread) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Current returns the proxy being served, or nil between clients.
func (t *ConnectionThread) Current() *RemoteWorkerProxy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Serve accepts clients until ctx is done. It returns nil on a clean
// shutdown.
func (t *ConnectionThread) Serve(ctx context.Context) error {
	if t.listener == nil {
		if err := t.Listen(); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = t.listener.Close() })
	defer stop()

	t.logger.Info("waiting for remote workers")
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		conn := protocol.NewConn(c, t.codec, t.maxFrameSize)
		conn.SetWriteTimeout(t.writeTimeout)
		proxy := NewRemoteWorkerProxy(conn, t.proxyConfig)

		t.mu.Lock()
		t.current = proxy
		t.mu.Unlock()

		t.logger.Debug("client accepted", zap.Stringer("remote", c.RemoteAddr()))
		_ = proxy.Serve(ctx)

		t.mu.Lock()
		t.current = nil
		t.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
	}
}
