// Package server 装配入站监听、准入层与会话驱动，承载进程主循环。
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/veilgate/internal/config"
	"github.com/Wei-Shaw/veilgate/internal/pkg/pipe"
	"github.com/Wei-Shaw/veilgate/internal/protocol/proxyproto"
	"github.com/Wei-Shaw/veilgate/internal/protocol/vless"
	"github.com/Wei-Shaw/veilgate/internal/transport/reality"
	"github.com/Wei-Shaw/veilgate/internal/transport/xhttp"
)

// Server 持有全部入站与共享的连接管理器。
type Server struct {
	cfg *config.Config
	mgr *ConnManager
	log *zap.Logger

	inbounds []*inboundRuntime
}

// inboundRuntime 是单个入站端口的运行期对象。
type inboundRuntime struct {
	cfg     config.Inbound
	driver  *SessionDriver
	reality *reality.Server // 可为 nil
	binder  *xhttp.Server   // 可为 nil
	log     *zap.Logger
}

// New 根据配置装配服务器。配置错误在这里变成启动失败。
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		mgr: NewConnManager(DefaultMaxConnections),
		log: log,
	}

	for i := range cfg.Inbounds {
		in := cfg.Inbounds[i]
		ilog := log.With(zap.String("inbound", net.JoinHostPort(in.Listen, strconv.Itoa(int(in.Port)))))

		codec := vless.NewCodec(in.ClientUUIDs())
		driver := NewSessionDriver(codec, s.mgr,
			in.Settings.Sniffing.SniffTLS(),
			in.StreamSettings.Sockopt.NoDelay(),
			ilog)

		rt := &inboundRuntime{cfg: in, driver: driver, log: ilog}

		if in.StreamSettings.Security == config.SecurityReality {
			rs := in.StreamSettings.RealitySettings
			privateKey, err := rs.DecodePrivateKey()
			if err != nil {
				return nil, err
			}
			shortIDs, err := rs.DecodeShortIDs()
			if err != nil {
				return nil, err
			}
			rt.reality, err = reality.NewServer(reality.Config{
				PrivateKey:  privateKey,
				ShortIDs:    shortIDs,
				Dest:        rs.Dest,
				ServerNames: rs.ServerNames,
			}, ilog)
			if err != nil {
				return nil, err
			}
		}

		if xs := in.StreamSettings.XHTTPSettings; xs != nil &&
			(in.StreamSettings.Network == config.NetworkHTTP || in.StreamSettings.Network == config.NetworkGRPC) {
			ctx := context.Background()
			rt.binder = xhttp.NewServer(xhttp.Config{
				Mode: xs.Mode,
				Path: xs.Path,
				Host: xs.Host,
			}, func(stream *pipe.Endpoint) {
				driver.Serve(ctx, stream)
			}, ilog)
		}

		s.inbounds = append(s.inbounds, rt)
	}
	return s, nil
}

// ConnManager 暴露连接统计给运维端点。
func (s *Server) ConnManager() *ConnManager { return s.mgr }

// Run 为每个入站起监听循环，ctx 取消后关闭监听并等待循环退出。
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(s.inbounds))

	for _, rt := range s.inbounds {
		addr := net.JoinHostPort(rt.cfg.Listen, strconv.Itoa(int(rt.cfg.Port)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("server: bind %s: %w", addr, err)
		}
		rt.log.Info("listening",
			zap.String("protocol", rt.cfg.Protocol),
			zap.String("network", rt.cfg.StreamSettings.Network),
			zap.String("security", rt.cfg.StreamSettings.Security))

		wg.Add(1)
		go func(rt *inboundRuntime, ln net.Listener) {
			defer wg.Done()
			errCh <- s.acceptLoop(ctx, rt, ln)
		}(rt, ln)

		go func(ln net.Listener) {
			<-ctx.Done()
			ln.Close()
		}(ln)
	}

	if s.cfg.Ops.Enabled {
		go s.runOps(ctx)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// acceptLoop 在 accept 之前获取并发许可，处理结束后释放。
func (s *Server) acceptLoop(ctx context.Context, rt *inboundRuntime, ln net.Listener) error {
	for {
		if err := s.mgr.Acquire(ctx); err != nil {
			return nil // ctx 取消
		}
		conn, err := ln.Accept()
		if err != nil {
			s.mgr.Release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			rt.log.Error("accept failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go func(conn net.Conn) {
			defer s.mgr.Release()
			s.handleConn(ctx, rt, conn)
		}(conn)
	}
}

// handleConn 把一条原始 TCP 连接推过各传输层：
// Proxy Protocol → Reality 准入 → （可选）XHTTP 绑定 → VLESS 会话驱动。
func (s *Server) handleConn(ctx context.Context, rt *inboundRuntime, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok && rt.cfg.StreamSettings.Sockopt.NoDelay() {
		_ = tc.SetNoDelay(true)
	}

	if rt.cfg.StreamSettings.Sockopt.AcceptProxyProtocol {
		wrapped, src, err := stripProxyProtocol(conn)
		if err != nil {
			rt.log.Warn("proxy protocol parse failed", zap.Error(err))
			conn.Close()
			return
		}
		if src.IsValid() {
			rt.log.Debug("proxy protocol source", zap.String("source", src.String()))
		}
		conn = wrapped
	}

	var stream Stream = conn
	if rt.reality != nil {
		tlsConn, err := rt.reality.Accept(ctx, conn)
		if err != nil {
			if !errors.Is(err, reality.ErrFallbackHandled) {
				rt.log.Warn("reality accept failed", zap.Error(err))
			}
			return
		}
		stream = tlsConn
	}

	if rt.binder != nil {
		// HTTP/2 层内部按流分发到会话驱动
		rt.binder.ServeConn(stream.(net.Conn))
		return
	}

	rt.driver.Serve(ctx, stream)
}

// stripProxyProtocol 消费流起始处的代理协议头部，返回回放剩余字节的连接。
func stripProxyProtocol(conn net.Conn) (net.Conn, netip.AddrPort, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		buf = append(buf, chunk[:n]...)

		header, consumed, perr := proxyproto.Parse(buf)
		if perr == nil {
			return newPrefixConn(conn, buf[consumed:]), header.Source, nil
		}
		// 签名都对不上时立即失败；签名匹配但数据不足则继续读
		if !proxyproto.Detect(buf) && len(buf) >= 16 {
			return nil, netip.AddrPort{}, perr
		}
		if len(buf) > 1024 {
			return nil, netip.AddrPort{}, perr
		}
	}
}

// prefixConn 在首次读取时回放已被代理协议解析读走的字节。
type prefixConn struct {
	net.Conn
	prefix []byte
}

func newPrefixConn(conn net.Conn, prefix []byte) *prefixConn {
	return &prefixConn{Conn: conn, prefix: append([]byte(nil), prefix...)}
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
