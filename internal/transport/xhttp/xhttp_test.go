package xhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"

	"github.com/Wei-Shaw/veilgate/internal/pkg/pipe"
)

// startServer 在回环地址上起一个明文 HTTP/2 绑定层，返回其地址。
func startServer(t *testing.T, cfg Config, handler Handler) (*Server, string) {
	t.Helper()

	srv := NewServer(cfg, handler, zaptest.NewLogger(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	return srv, ln.Addr().String()
}

// h2cClient 返回直连明文 HTTP/2 的客户端。
func h2cClient(addr string) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, _ string, _ *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		},
	}
}

func echoHandler(stream *pipe.Endpoint) {
	defer stream.Close()
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func TestMatchPath(t *testing.T) {
	srv := NewServer(Config{Path: "/proxy"}, echoHandler, zaptest.NewLogger(t))

	tests := []struct {
		path string
		want bool
	}{
		{"/proxy", true},
		{"/proxy/abc123", true},
		{"/proxy/abc/def", true},
		{"/proxyextra", false},
		{"/other", false},
		{"/", false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, srv.matchPath(tc.path), "path=%s", tc.path)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	_, addr := startServer(t, Config{Path: "/proxy"}, echoHandler)
	client := h2cClient(addr)

	resp, err := client.Get("http://xhttp.test/elsewhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSplitPairSession(t *testing.T) {
	srv, addr := startServer(t, Config{Path: "/proxy"}, echoHandler)
	client := h2cClient(addr)

	// GET 先开下行通道
	getResp, err := client.Get("http://xhttp.test/proxy/abc123")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	require.Equal(t, "application/octet-stream", getResp.Header.Get("Content-Type"))

	padding := getResp.Header.Get("X-Padding")
	require.GreaterOrEqual(t, len(padding), 64)
	require.LessOrEqual(t, len(padding), 512)

	// 500ms 内 POST 到达同一路径，字节应从 GET 响应体返回
	postResp, err := client.Post("http://xhttp.test/proxy/abc123",
		"application/octet-stream", bytes.NewReader([]byte("hello xhttp")))
	require.NoError(t, err)
	defer postResp.Body.Close()
	require.Equal(t, http.StatusOK, postResp.StatusCode)

	echoed := make([]byte, len("hello xhttp"))
	_, err = io.ReadFull(getResp.Body, echoed)
	require.NoError(t, err)
	require.Equal(t, "hello xhttp", string(echoed))

	// 关闭 GET 终止会话并从表中移除
	getResp.Body.Close()
	require.Eventually(t, func() bool { return srv.sessions.len() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestStandalonePostRaw(t *testing.T) {
	_, addr := startServer(t, Config{Path: "/proxy", Mode: ModeStreamOne}, echoHandler)
	client := h2cClient(addr)

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "http://xhttp.test/proxy/solo", pr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = pw.Write([]byte("standalone"))
	require.NoError(t, err)

	echoed := make([]byte, len("standalone"))
	_, err = io.ReadFull(resp.Body, echoed)
	require.NoError(t, err)
	require.Equal(t, "standalone", string(echoed))
	pw.Close()
}

func TestStandalonePostGRPC(t *testing.T) {
	_, addr := startServer(t, Config{Path: "/proxy", Mode: ModeStreamOne}, echoHandler)
	client := h2cClient(addr)

	body := appendGRPCFrame(nil, []byte("ping over grpc"))
	req, err := http.NewRequest(http.MethodPost, "http://xhttp.test/proxy/grpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/grpc")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/grpc", resp.Header.Get("Content-Type"))

	// 响应体是 gRPC 帧：0x00 + 4 字节长度 + 负载
	header := make([]byte, grpcFrameHeaderLen)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	require.Equal(t, byte(0), header[0])

	payload := make([]byte, len("ping over grpc"))
	_, err = io.ReadFull(resp.Body, payload)
	require.NoError(t, err)
	require.Equal(t, "ping over grpc", string(payload))

	// 读尽响应体后 trailer 携带 grpc-status: 0
	_, _ = io.Copy(io.Discard, resp.Body)
	require.Equal(t, "0", resp.Trailer.Get("Grpc-Status"))
}

func TestGRPCUnwrapperPartialFrames(t *testing.T) {
	var got [][]byte
	var u grpcUnwrapper

	frame := appendGRPCFrame(nil, []byte("abcdef"))
	frame = appendGRPCFrame(frame, []byte("xyz"))

	// 一个字节一个字节地喂，验证跨块重组
	for i := 0; i < len(frame); i++ {
		err := u.push(frame[i:i+1], func(p []byte) error {
			got = append(got, append([]byte(nil), p...))
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, [][]byte{[]byte("abcdef"), []byte("xyz")}, got)
}
