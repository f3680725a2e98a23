package sniffer

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureClientHello 用标准库 TLS 客户端产生一条真实的 ClientHello 记录。
func captureClientHello(t *testing.T, serverName string) []byte {
	t.Helper()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		c := tls.Client(client, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		})
		_ = c.Handshake() // 对端不应答，握手最终失败，但 ClientHello 已写出
	}()

	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16384)
	n, err := server.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestSniffTLSSNI(t *testing.T) {
	record := captureClientHello(t, "www.example.com")

	sni, ok := SniffTLSSNI(record)
	require.True(t, ok)
	require.Equal(t, "www.example.com", sni)
}

func TestSniffTLSSNIAbsent(t *testing.T) {
	// 不设置 ServerName 时没有 SNI 扩展
	record := captureClientHello(t, "")

	_, ok := SniffTLSSNI(record)
	require.False(t, ok)
}

func TestSniffRejectsMalformed(t *testing.T) {
	record := captureClientHello(t, "www.example.com")

	tests := []struct {
		name  string
		input []byte
	}{
		{"空输入", nil},
		{"非 TLS", []byte("GET / HTTP/1.1\r\n\r\n")},
		{"只有记录头", record[:5]},
		{"截断的消息体", record[:len(record)/2]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := SniffTLSSNI(tc.input)
			require.False(t, ok)
		})
	}
}
