package reality

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// ErrFallbackHandled 表示连接已按回落路径透明转发给伪装目标，
// 调用方不再拥有这条连接。回落不是错误。
var ErrFallbackHandled = errors.New("reality: connection handled by fallback")

// Config 是进程生命周期内不可变的 Reality 服务端配置。
type Config struct {
	// PrivateKey 是 32 字节 X25519 私钥。
	PrivateKey []byte
	// ShortIDs 是允许的 Short ID 列表（各自长度 0–8 字节）。空列表拒绝一切。
	ShortIDs [][]byte
	// Dest 是伪装目标（host:port），验证失败的连接被透明转发到这里。
	Dest string
	// ServerNames 仅用于日志与配置校验；准入决策不参考。
	ServerNames []string
}

// Validate 检查配置合法性。
func (c *Config) Validate() error {
	if len(c.PrivateKey) != 32 {
		return fmt.Errorf("reality: private key must be 32 bytes, got %d", len(c.PrivateKey))
	}
	if c.Dest == "" {
		return errors.New("reality: dest must not be empty")
	}
	for _, sid := range c.ShortIDs {
		if len(sid) > 8 {
			return fmt.Errorf("reality: short id longer than 8 bytes: %x", sid)
		}
	}
	return nil
}

// Server 持有一个入站端口的准入状态。并发安全。
type Server struct {
	cfg      Config
	identity *serverIdentity
	dialer   net.Dialer
	log      *zap.Logger
}

// NewServer 构造准入层；伪装证书按 Dest 的主机名生成一次，之后所有连接复用。
func NewServer(cfg Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(cfg.Dest)
	if err != nil {
		host = cfg.Dest
	}
	identity, err := newServerIdentity(host)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, identity: identity, log: log}, nil
}

// Accept 拥有一条已建立的 TCP 连接，结局恰好三选一：
// 返回已认证的双工字节流；内部完成回落转发并返回 ErrFallbackHandled；
// 或返回错误（决策前的 I/O 错误，或验证通过后的握手失败）。
//
// 决策在首次缓冲读取内完成，且决策之前绝不向对端写任何字节——
// 提前写入或拖延回落都会成为可指纹化的特征。
func (s *Server) Accept(ctx context.Context, conn net.Conn) (net.Conn, error) {
	buf, err := s.readClientHello(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// 解析失败、非 TLS、密码学验证失败走同一条回落路径，代码路径一致
	info, result := ParseClientHello(buf)
	if result != ParseOK {
		return nil, s.fallback(ctx, conn, buf)
	}

	authKey, offset, ok := VerifyClientHello(s.cfg.PrivateKey, s.cfg.ShortIDs, info)
	if !ok {
		return nil, s.fallback(ctx, conn, buf)
	}

	s.log.Debug("reality client verified",
		zap.Int("short_id_offset", offset),
		zap.String("sni", info.ServerName))

	// 会话认证密钥取代长期私钥参与 ServerHello 签名
	tlsConn, err := serverHandshake(s.wrapLeftover(conn, buf), info, authKey, s.identity)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reality: handshake after verification: %w", err)
	}
	return tlsConn, nil
}

// readClientHello 增量读满第一条 TLS 记录（上限 16 KiB）。
// 首字节不是 0x16 时立即停止——这不是 TLS，不再继续读。
func (s *Server) readClientHello(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 2048)
	chunk := make([]byte, 2048)

	for len(buf) < 5 {
		n, err := conn.Read(chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk[:n]...)
		if buf[0] != recordTypeHandshake {
			return buf, nil
		}
	}

	need := 5 + int(binary.BigEndian.Uint16(buf[3:5]))
	if need > maxClientHelloSize {
		need = maxClientHelloSize
	}
	for len(buf) < need {
		n, err := conn.Read(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		buf = append(buf, chunk[:n]...)
	}
	return buf, nil
}

// wrapLeftover 把首条记录之外已读入的字节交还给握手读取器。
func (s *Server) wrapLeftover(conn net.Conn, buf []byte) net.Conn {
	if len(buf) < 5 {
		return conn
	}
	consumed := 5 + int(binary.BigEndian.Uint16(buf[3:5]))
	if consumed >= len(buf) {
		return conn
	}
	return newPrefixedConn(conn, buf[consumed:])
}

// fallback 拨号伪装目标，把捕获的前缀逐字节写入，然后双向拼接两条连接。
// 服务端自身不产生任何数据，也不观察后续密文。
func (s *Server) fallback(ctx context.Context, client net.Conn, prefix []byte) error {
	defer client.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	origin, err := s.dialer.DialContext(dialCtx, "tcp", s.cfg.Dest)
	if err != nil {
		s.log.Warn("fallback dial failed", zap.String("dest", s.cfg.Dest), zap.Error(err))
		return ErrFallbackHandled
	}
	defer origin.Close()

	if _, err := origin.Write(prefix); err != nil {
		return ErrFallbackHandled
	}

	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyHalf(origin, client)
	go copyHalf(client, origin)

	select {
	case <-done:
	case <-ctx.Done():
	}
	return ErrFallbackHandled
}
