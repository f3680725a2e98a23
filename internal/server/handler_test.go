package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Wei-Shaw/veilgate/internal/pkg/pipe"
	"github.com/Wei-Shaw/veilgate/internal/protocol/vless"
)

var testUUID = uuid.MustParse("b831381d-6324-4d53-ad4f-8cda48b30811")

func newTestDriver(t *testing.T) (*SessionDriver, *ConnManager) {
	t.Helper()
	mgr := NewConnManager(16)
	codec := vless.NewCodec([]uuid.UUID{testUUID})
	return NewSessionDriver(codec, mgr, false, true, zaptest.NewLogger(t)), mgr
}

func encodeTCPRequest(t *testing.T, host netip.Addr, port uint16) []byte {
	t.Helper()
	codec := vless.NewCodec([]uuid.UUID{testUUID})
	return codec.EncodeRequest(&vless.Request{
		Version: vless.Version,
		UUID:    testUUID,
		Command: vless.CommandTCP,
		Address: vless.NewIPv4Address(host.As4(), port),
	})
}

func TestServeHTTPProbe(t *testing.T) {
	driver, _ := newTestDriver(t)
	local, remote := pipe.Duplex()

	done := make(chan struct{})
	go func() {
		driver.Serve(context.Background(), remote)
		close(done)
	}()

	_, err := local.Write([]byte("GET /anything HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	reply, err := io.ReadAll(local)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", string(reply))
	<-done
}

func TestServeTCPSession(t *testing.T) {
	// 上游 echo 服务
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	driver, mgr := newTestDriver(t)
	local, remote := pipe.Duplex()
	go driver.Serve(context.Background(), remote)

	addr := ln.Addr().(*net.TCPAddr)
	req := encodeTCPRequest(t, netip.MustParseAddr("127.0.0.1"), uint16(addr.Port))
	// 请求头与初始载荷同包到达
	_, err = local.Write(append(req, []byte("ping")...))
	require.NoError(t, err)

	// 响应前导两个字节
	header := make([]byte, 2)
	_, err = io.ReadFull(local, header)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00}, header)

	echoed := make([]byte, 4)
	_, err = io.ReadFull(local, echoed)
	require.NoError(t, err)
	require.Equal(t, "ping", string(echoed))

	require.Equal(t, int64(1), mgr.Active())
	local.Close()
	require.Eventually(t, func() bool { return mgr.Active() == 0 },
		2*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(1), mgr.Total())
}

func TestServeUDPSession(t *testing.T) {
	// 上游 UDP echo
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := sock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = sock.WriteToUDP(buf[:n], from)
		}
	}()

	driver, _ := newTestDriver(t)
	local, remote := pipe.Duplex()
	t.Cleanup(func() { local.Close() })
	go driver.Serve(context.Background(), remote)

	codec := vless.NewCodec([]uuid.UUID{testUUID})
	port := uint16(sock.LocalAddr().(*net.UDPAddr).Port)
	req := codec.EncodeRequest(&vless.Request{
		Version: vless.Version,
		UUID:    testUUID,
		Command: vless.CommandUDP,
		Address: vless.NewIPv4Address([4]byte{127, 0, 0, 1}, port),
	})
	_, err = local.Write(req)
	require.NoError(t, err)

	header := make([]byte, 2)
	_, err = io.ReadFull(local, header)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00}, header)

	// 长度前缀帧：len=5 + "hello"
	frame := make([]byte, 2+5)
	binary.BigEndian.PutUint16(frame[:2], 5)
	copy(frame[2:], "hello")
	_, err = local.Write(frame)
	require.NoError(t, err)

	reply := make([]byte, 2+5)
	_, err = io.ReadFull(local, reply)
	require.NoError(t, err)
	require.Equal(t, uint16(5), binary.BigEndian.Uint16(reply[:2]))
	require.Equal(t, "hello", string(reply[2:]))
}

func TestServeRejectsUnknownUUID(t *testing.T) {
	driver, mgr := newTestDriver(t)
	local, remote := pipe.Duplex()

	done := make(chan struct{})
	go func() {
		driver.Serve(context.Background(), remote)
		close(done)
	}()

	other := uuid.MustParse("a831381d-6324-4d53-ad4f-8cda48b30812")
	codec := vless.NewCodec([]uuid.UUID{other})
	req := codec.EncodeRequest(&vless.Request{
		Version: vless.Version,
		UUID:    other,
		Command: vless.CommandTCP,
		Address: vless.NewIPv4Address([4]byte{1, 1, 1, 1}, 80),
	})
	_, err := local.Write(req)
	require.NoError(t, err)

	// 连接被直接关闭，没有任何响应字节
	reply, err := io.ReadAll(local)
	require.NoError(t, err)
	require.Empty(t, reply)
	<-done
	require.Equal(t, int64(0), mgr.Total())
}

func TestConnManagerAccounting(t *testing.T) {
	mgr := NewConnManager(2)
	ctx := context.Background()

	require.NoError(t, mgr.Acquire(ctx))
	require.NoError(t, mgr.Acquire(ctx))

	// 第三个许可要等到释放后才能取得
	acquired := make(chan struct{})
	go func() {
		_ = mgr.Acquire(ctx)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("semaphore should be exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	mgr.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("semaphore was not released")
	}

	mgr.SessionStarted()
	require.Equal(t, int64(1), mgr.Active())
	mgr.SessionEnded()
	require.Equal(t, int64(0), mgr.Active())
	require.Equal(t, int64(1), mgr.Total())
}
