package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/veilgate/internal/protocol/sniffer"
	"github.com/Wei-Shaw/veilgate/internal/protocol/vless"
)

// 会话驱动的时间边界
const (
	requestReadTimeout = 30 * time.Second
	sniffReadTimeout   = 500 * time.Millisecond
	dialTimeout        = 10 * time.Second
	udpIdleTimeout     = 5 * time.Minute
	udpBufferSize      = 8192
)

// Stream 是会话驱动消费的双工字节流：
// TCP 连接、Reality TLS 连接与 XHTTP 管道端点都满足它。
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// SessionDriver 在已认证的流上驱动一次 VLESS 会话。
type SessionDriver struct {
	codec    *vless.Codec
	mgr      *ConnManager
	sniffTLS bool
	noDelay  bool
	log      *zap.Logger
}

// NewSessionDriver 构造会话驱动。
func NewSessionDriver(codec *vless.Codec, mgr *ConnManager, sniffTLS, noDelay bool, log *zap.Logger) *SessionDriver {
	return &SessionDriver{codec: codec, mgr: mgr, sniffTLS: sniffTLS, noDelay: noDelay, log: log}
}

// Serve 读取并校验 VLESS 请求，按命令分支转发。返回时流已关闭。
func (d *SessionDriver) Serve(ctx context.Context, stream Stream) {
	defer stream.Close()

	buf, req, err := d.readRequest(stream)
	if err != nil {
		d.rejectRequest(stream, buf, err)
		return
	}
	initial := buf // 与请求同包到达的初始载荷

	d.log.Debug("vless request",
		zap.String("command", req.Command.String()),
		zap.String("dest", req.Address.String()))

	if _, err := stream.Write(vless.ResponseHeader()); err != nil {
		return
	}

	d.mgr.SessionStarted()
	defer d.mgr.SessionEnded()

	switch req.Command {
	case vless.CommandTCP:
		d.serveTCP(ctx, stream, req, initial)
	case vless.CommandUDP:
		d.serveUDP(ctx, stream, req, initial)
	case vless.CommandMux:
		d.log.Warn("mux command is not supported")
	}
}

// readRequest 在 30 秒内读满并解码请求头，返回头部之后的剩余字节。
func (d *SessionDriver) readRequest(stream Stream) ([]byte, *vless.Request, error) {
	_ = stream.SetReadDeadline(time.Now().Add(requestReadTimeout))
	defer stream.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			req, consumed, decodeErr := d.codec.DecodeRequest(buf)
			if decodeErr == nil {
				return buf[consumed:], req, nil
			}
			if !errors.Is(decodeErr, vless.ErrShortBuffer) || len(buf) > maxRequestSize {
				return buf, nil, decodeErr
			}
		}
		if err != nil {
			return buf, nil, err
		}
	}
}

const maxRequestSize = 64 << 10

// rejectRequest 处理解码失败：HTTP 探测得到 204，其余记录错误并断开。
// 客户端永远看不到 Reality 相关的错误语句——那会成为区分特征。
func (d *SessionDriver) rejectRequest(stream Stream, buf []byte, err error) {
	if isHTTPProbe(buf) {
		d.log.Info("http probe detected, replying 204")
		_, _ = stream.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
		return
	}
	dump := buf
	if len(dump) > 128 {
		dump = dump[:128]
	}
	d.log.Error("vless decode failed",
		zap.Error(err),
		zap.Int("bytes", len(buf)),
		zap.String("hex", hex.EncodeToString(dump)))
}

// isHTTPProbe 在缓冲内搜索 HTTP 方法：部分客户端会在前面加协议头，
// 所以不能只看开头。
func isHTTPProbe(buf []byte) bool {
	return bytes.Contains(buf, []byte("GET ")) ||
		bytes.Contains(buf, []byte("POST")) ||
		bytes.Contains(buf, []byte("HEAD"))
}

// serveTCP 拨号目标并做字节级透明的全双工转发。
// 先冲刷初始载荷；启用嗅探时用首段载荷的 SNI 覆盖目标主机（保留端口）。
func (d *SessionDriver) serveTCP(ctx context.Context, stream Stream, req *vless.Request, initial []byte) {
	target := req.Address.String()

	if d.sniffTLS {
		if len(initial) == 0 {
			// 请求头单独到达时再等一小段，拿到首个载荷分段
			_ = stream.SetReadDeadline(time.Now().Add(sniffReadTimeout))
			chunk := make([]byte, 4096)
			if n, err := stream.Read(chunk); err == nil && n > 0 {
				initial = chunk[:n]
			}
			_ = stream.SetReadDeadline(time.Time{})
		}
		if sni, ok := sniffer.SniffTLSSNI(initial); ok {
			target = net.JoinHostPort(sni, strconv.Itoa(int(req.Address.Port())))
			d.log.Debug("sniffed sni override", zap.String("sni", sni), zap.String("target", target))
		}
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	remote, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		d.log.Error("dial upstream failed", zap.String("target", target), zap.Error(err))
		return
	}
	defer remote.Close()

	if tc, ok := remote.(*net.TCPConn); ok && d.noDelay {
		_ = tc.SetNoDelay(true)
	}

	if len(initial) > 0 {
		if _, err := remote.Write(initial); err != nil {
			return
		}
	}

	relay(stream, remote)
}

// relay 做全双工拷贝，任一方向结束后关闭两侧。
func relay(client Stream, remote net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, client)
		if tc, ok := remote.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, remote)
		done <- struct{}{}
	}()
	<-done
}

// serveUDP 建立 Full-Cone UDP 关联：
// 流侧每个数据报带 2 字节大端长度前缀；两个协作循环共享 5 分钟空闲计时。
func (d *SessionDriver) serveUDP(ctx context.Context, stream Stream, req *vless.Request, initial []byte) {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		d.log.Error("bind udp socket failed", zap.Error(err))
		return
	}
	defer sock.Close()

	targetAddr, err := net.ResolveUDPAddr("udp", req.Address.String())
	if err != nil {
		d.log.Error("resolve udp target failed",
			zap.String("target", req.Address.String()), zap.Error(err))
		return
	}

	// 与请求同包到达的首个数据报
	rest := initial
	for len(rest) >= 2 {
		l := int(binary.BigEndian.Uint16(rest[:2]))
		if l == 0 || len(rest) < 2+l {
			break
		}
		if _, err := sock.WriteToUDP(rest[2:2+l], targetAddr); err != nil {
			return
		}
		rest = rest[2+l:]
	}

	done := make(chan struct{}, 2)

	// 客户端 → UDP
	go func() {
		defer func() { done <- struct{}{} }()
		lenBuf := make([]byte, 2)
		payload := make([]byte, udpBufferSize)
		for {
			_ = stream.SetReadDeadline(time.Now().Add(udpIdleTimeout))
			if _, err := io.ReadFull(stream, lenBuf); err != nil {
				return
			}
			l := int(binary.BigEndian.Uint16(lenBuf))
			if l == 0 || l > len(payload) {
				return
			}
			if _, err := io.ReadFull(stream, payload[:l]); err != nil {
				return
			}
			if _, err := sock.WriteToUDP(payload[:l], targetAddr); err != nil {
				return
			}
			// 任一方向的活动都顺延另一方向的空闲计时
			_ = sock.SetReadDeadline(time.Now().Add(udpIdleTimeout))
		}
	}()

	// UDP → 客户端（Full-Cone：接受任意来源的数据报）
	go func() {
		defer func() { done <- struct{}{} }()
		recvBuf := make([]byte, udpBufferSize)
		frame := make([]byte, 2+udpBufferSize)
		for {
			_ = sock.SetReadDeadline(time.Now().Add(udpIdleTimeout))
			n, _, err := sock.ReadFromUDP(recvBuf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			binary.BigEndian.PutUint16(frame[:2], uint16(n))
			copy(frame[2:], recvBuf[:n])
			if _, err := stream.Write(frame[:2+n]); err != nil {
				return
			}
			_ = stream.SetReadDeadline(time.Now().Add(udpIdleTimeout))
		}
	}()

	// 任一循环退出即结束会话
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.log.Debug("udp association closed", zap.String("target", req.Address.String()))
}
