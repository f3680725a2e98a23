package xhttp

import (
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/Wei-Shaw/veilgate/internal/pkg/pipe"
)

// 工作模式
const (
	ModeAuto       = "auto"
	ModeStreamUp   = "stream-up"
	ModeStreamDown = "stream-down"
	ModeStreamOne  = "stream-one"
)

// postPairWait 是 POST 等待配对 GET 的上限；到期转为独立双工处理。
const (
	postPairWait     = 500 * time.Millisecond
	postPairInterval = 10 * time.Millisecond
)

// Config 是 XHTTP 监听配置。
type Config struct {
	Mode string
	Path string // 路径前缀；请求必须等于它或形如 Path/<token>
	Host string
}

// Handler 在管道远端运行 VLESS 会话。每个逻辑流调用一次，返回前不得丢弃流。
type Handler func(stream *pipe.Endpoint)

// Server 把 HTTP/2 请求对焊接成 VLESS 字节流。并发安全。
type Server struct {
	cfg      Config
	handler  Handler
	sessions *sessionTable
	h2       *http2.Server
	log      *zap.Logger
}

// NewServer 构造 XHTTP 绑定层。
func NewServer(cfg Config, handler Handler, log *zap.Logger) *Server {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		sessions: newSessionTable(),
		h2: &http2.Server{
			MaxConcurrentStreams: 500,
			MaxReadFrameSize:     16384,
		},
		log: log,
	}
}

// ServeConn 在一条已完成 TLS 的连接上跑 HTTP/2。阻塞直到连接结束。
func (s *Server) ServeConn(conn net.Conn) {
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Handler: s,
	})
}

// ServeHTTP 按方法与配对状态分发单个 HTTP/2 流。
// 协议错误只影响本流，不拖垮整条连接。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.matchPath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleDownload(w, r)
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// matchPath 接受配置前缀本身或以“前缀/”开头的任意路径（含多级），其余一律 404。
func (s *Server) matchPath(p string) bool {
	prefix := strings.TrimSuffix(s.cfg.Path, "/")
	if prefix == "" {
		return true
	}
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

// handleDownload 处理拆对方言的 GET 下行通道：
// 注册会话、起 VLESS 处理器，把处理器产出的字节流进响应体。
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.insert(r.URL.Path)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	// 下行通道拥有会话的生命周期
	defer s.sessions.remove(r.URL.Path)
	defer close(sess.done)

	local, remote := pipe.Duplex()
	defer local.Close()
	go s.handler(remote)

	// 上行 sink 消费者：POST 灌入的块写进管道
	go func() {
		for {
			select {
			case chunk, ok := <-sess.upload:
				if !ok {
					return
				}
				if _, err := local.Write(chunk); err != nil {
					return
				}
			case <-sess.done:
				return
			}
		}
	}()

	// 客户端断开时解除管道读取的阻塞
	go func() {
		<-r.Context().Done()
		local.Close()
	}()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-Padding", randomPadding())
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 16384)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// handleUpload 处理 POST：先尝试与同路径 GET 配对，短暂轮询容忍与 GET 的竞态；
// 配不上则按独立双工处理（Shadowrocket 等客户端发 application/grpc）。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mode != ModeStreamOne {
		if sess := s.waitSession(r.URL.Path); sess != nil {
			s.pumpUpload(w, r, sess)
			return
		}
	}

	isGRPC := strings.Contains(r.Header.Get("Content-Type"), "grpc")
	s.log.Debug("unpaired post handled as standalone duplex",
		zap.String("path", r.URL.Path), zap.Bool("grpc", isGRPC))
	s.handleStandalone(w, r, isGRPC)
}

func (s *Server) waitSession(path string) *session {
	deadline := time.Now().Add(postPairWait)
	for {
		if sess := s.sessions.lookup(path); sess != nil {
			return sess
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(postPairInterval)
	}
}

// pumpUpload 把请求体灌进配对会话的上行 sink。
func (s *Server) pumpUpload(w http.ResponseWriter, r *http.Request, sess *session) {
	buf := make([]byte, 16384)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case sess.upload <- chunk:
			case <-sess.done:
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		if err != nil {
			break
		}
	}

	h := w.Header()
	h.Set("X-Padding", randomPadding())
	w.WriteHeader(http.StatusOK)
}

// handleStandalone 把单个 POST 当作完整双工流：请求体上行、响应体下行，
// content-type 含 grpc 时按 gRPC 帧封包/拆包并以 trailer 收尾。
func (s *Server) handleStandalone(w http.ResponseWriter, r *http.Request, isGRPC bool) {
	local, remote := pipe.Duplex()
	defer local.Close()
	go s.handler(remote)

	go func() {
		<-r.Context().Done()
		local.Close()
	}()

	h := w.Header()
	if isGRPC {
		h.Set("Content-Type", "application/grpc")
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	h.Set("X-Padding", randomPadding())
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	// 上行：请求体 → 管道
	upDone := make(chan struct{})
	go func() {
		defer close(upDone)
		if isGRPC {
			_ = copyUnwrapped(local, r.Body)
		} else {
			_, _ = io.Copy(local, r.Body)
		}
	}()

	// 下行：管道 → 响应体
	buf := make([]byte, 16384)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			var out []byte
			if isGRPC {
				out = appendGRPCFrame(nil, buf[:n])
			} else {
				out = buf[:n]
			}
			if _, werr := w.Write(out); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	<-upDone

	if isGRPC {
		h.Set(http.TrailerPrefix+"Grpc-Status", "0")
	}
}

// randomPadding 生成 64–512 字节的随机 ASCII 填充，抵抗响应头长度指纹。
func randomPadding() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	n := 64 + rand.IntN(449)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
