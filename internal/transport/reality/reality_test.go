package reality

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/curve25519"
)

// buildRealityClientHello 构造一条携带合法 Reality 令牌的 ClientHello 记录。
// layoutOffset 指定 Short ID 在 16 字节明文中的偏移（4 或 8）。
func buildRealityClientHello(t *testing.T, serverPriv []byte, shortID []byte, sni string, layoutOffset int) []byte {
	t.Helper()

	var clientPriv [32]byte
	_, err := io.ReadFull(rand.Reader, clientPriv[:])
	require.NoError(t, err)
	clientPub, err := curve25519.X25519(clientPriv[:], curve25519.Basepoint)
	require.NoError(t, err)
	serverPub, err := curve25519.X25519(serverPriv, curve25519.Basepoint)
	require.NoError(t, err)

	var clientRandom [32]byte
	_, err = io.ReadFull(rand.Reader, clientRandom[:])
	require.NoError(t, err)

	msg := composeTestClientHello(clientRandom, make([]byte, 32), clientPub, sni)

	// 客户端侧密钥派生与服务端一致
	authKey, err := DeriveAuthKey(clientPriv[:], serverPub, clientRandom)
	require.NoError(t, err)

	var plaintext [16]byte
	copy(plaintext[layoutOffset:], shortID)

	block, err := aes.NewCipher(authKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	// AAD 为 SessionID 全零的消息本身
	sealed := gcm.Seal(nil, clientRandom[20:32], plaintext[:], msg)
	require.Len(t, sealed, 32)

	// 把密文写回 SessionID 位置
	pos := bytes.Index(msg, make([]byte, 32))
	require.GreaterOrEqual(t, pos, 0)
	copy(msg[pos:pos+32], sealed)

	record := make([]byte, 0, len(msg)+5)
	record = append(record, recordTypeHandshake, 0x03, 0x01)
	record = binary.BigEndian.AppendUint16(record, uint16(len(msg)))
	return append(record, msg...)
}

// composeTestClientHello 组装带 SNI、key_share、supported_versions 扩展的消息。
func composeTestClientHello(random [32]byte, sessionID, keyShare []byte, sni string) []byte {
	var exts []byte

	if sni != "" {
		name := []byte(sni)
		entry := make([]byte, 0, len(name)+5)
		entry = binary.BigEndian.AppendUint16(entry, uint16(len(name)+3))
		entry = append(entry, 0x00)
		entry = binary.BigEndian.AppendUint16(entry, uint16(len(name)))
		entry = append(entry, name...)
		exts = binary.BigEndian.AppendUint16(exts, extensionServerName)
		exts = binary.BigEndian.AppendUint16(exts, uint16(len(entry)))
		exts = append(exts, entry...)
	}

	share := make([]byte, 0, 40)
	share = binary.BigEndian.AppendUint16(share, uint16(4+len(keyShare)))
	share = binary.BigEndian.AppendUint16(share, groupX25519)
	share = binary.BigEndian.AppendUint16(share, uint16(len(keyShare)))
	share = append(share, keyShare...)
	exts = binary.BigEndian.AppendUint16(exts, extensionKeyShare)
	exts = binary.BigEndian.AppendUint16(exts, uint16(len(share)))
	exts = append(exts, share...)

	exts = binary.BigEndian.AppendUint16(exts, extensionSupportedVersion)
	exts = binary.BigEndian.AppendUint16(exts, 3)
	exts = append(exts, 0x02, 0x03, 0x04)

	body := make([]byte, 0, 256)
	body = append(body, 0x03, 0x03)
	body = append(body, random[:]...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	body = binary.BigEndian.AppendUint16(body, 2)
	body = binary.BigEndian.AppendUint16(body, cipherSuiteAES128GCMSHA256)
	body = append(body, 0x01, 0x00) // null compression
	body = binary.BigEndian.AppendUint16(body, uint16(len(exts)))
	body = append(body, exts...)

	return wrapHandshake(handshakeTypeClientHello, body)
}

func testPrivateKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestParseClientHello(t *testing.T) {
	record := buildRealityClientHello(t, testPrivateKey(0x42), []byte{1, 2, 3, 4}, "www.example.com", 4)

	info, result := ParseClientHello(record)
	require.Equal(t, ParseOK, result)
	require.Equal(t, "www.example.com", info.ServerName)
	require.Len(t, info.SessionID, 32)
	require.Len(t, info.KeyShare, 32)
	require.Equal(t, record[5:], info.Message)
}

func TestParseClientHelloIncomplete(t *testing.T) {
	record := buildRealityClientHello(t, testPrivateKey(0x42), []byte{1, 2, 3, 4}, "www.example.com", 4)

	for _, cut := range []int{1, 4, 6, 40, len(record) - 1} {
		_, result := ParseClientHello(record[:cut])
		require.Equal(t, ParseIncomplete, result, "cut=%d", cut)
	}
}

func TestParseClientHelloNotTLS(t *testing.T) {
	// 记录层之下不是 ClientHello
	msg := []byte{0x02, 0x00, 0x00, 0x02, 0x03, 0x03}
	_, result := ParseClientHello(msg)
	require.Equal(t, ParseNotClientHello, result)
}

func TestVerifyClientHelloLayouts(t *testing.T) {
	priv := testPrivateKey(0x42)
	shortID := []byte{0xde, 0xad, 0xbe, 0xef}

	for _, offset := range []int{4, 8} {
		record := buildRealityClientHello(t, priv, shortID, "www.example.com", offset)
		info, result := ParseClientHello(record)
		require.Equal(t, ParseOK, result)

		authKey, gotOffset, ok := VerifyClientHello(priv, [][]byte{shortID}, info)
		require.True(t, ok, "layout offset %d", offset)
		require.Equal(t, offset, gotOffset)
		require.Len(t, authKey, 32)
	}
}

func TestVerifyClientHelloRejects(t *testing.T) {
	priv := testPrivateKey(0x42)
	shortID := []byte{0xde, 0xad, 0xbe, 0xef}
	record := buildRealityClientHello(t, priv, shortID, "", 4)

	info, result := ParseClientHello(record)
	require.Equal(t, ParseOK, result)

	t.Run("私钥不匹配", func(t *testing.T) {
		_, _, ok := VerifyClientHello(testPrivateKey(0x43), [][]byte{shortID}, info)
		require.False(t, ok)
	})
	t.Run("ShortID 不在列表", func(t *testing.T) {
		_, _, ok := VerifyClientHello(priv, [][]byte{{0x01, 0x02}}, info)
		require.False(t, ok)
	})
	t.Run("空列表拒绝一切", func(t *testing.T) {
		_, _, ok := VerifyClientHello(priv, nil, info)
		require.False(t, ok)
	})
	t.Run("SessionID 长度不符", func(t *testing.T) {
		bad := *info
		bad.SessionID = info.SessionID[:16]
		_, _, ok := VerifyClientHello(priv, [][]byte{shortID}, &bad)
		require.False(t, ok)
	})
}

func TestSignServerRandomDeterministic(t *testing.T) {
	key := testPrivateKey(0x42)
	var clientRandom [32]byte
	for i := range clientRandom {
		clientRandom[i] = 0x99
	}

	var r1, r2 [32]byte
	for i := 0; i < 32; i++ {
		r1[i] = byte(i)
		r2[i] = byte(i)
	}

	SignServerRandom(key, clientRandom, &r1)
	SignServerRandom(key, clientRandom, &r2)

	require.Equal(t, r1, r2)
	// 前 20 字节不被触碰
	for i := 0; i < 20; i++ {
		require.Equal(t, byte(i), r1[i])
	}
	require.True(t, VerifyServerRandom(key, clientRandom, r1))

	// 换密钥则校验失败
	require.False(t, VerifyServerRandom(testPrivateKey(0x43), clientRandom, r1))
}

func TestAcceptFallbackOnGarbage(t *testing.T) {
	// 伪装目标：读到客户端原话后回写固定应答
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()

	originDone := make(chan []byte, 1)
	go func() {
		conn, err := originLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write([]byte("I am fallback"))
		originDone <- buf[:n]
	}()

	srv, err := NewServer(Config{
		PrivateKey: testPrivateKey(0x42),
		ShortIDs:   [][]byte{{0xde, 0xad}},
		Dest:       originLn.Addr().String(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		_, err = srv.Accept(context.Background(), conn)
		acceptErr <- err
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("Hello non-TLS world")
	_, err = client.Write(payload)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp := make([]byte, 64)
	n, err := client.Read(resp)
	require.NoError(t, err)
	require.Equal(t, "I am fallback", string(resp[:n]))

	// 伪装目标收到的字节与客户端发出的逐字节一致
	require.Equal(t, payload, <-originDone)

	client.Close()
	require.ErrorIs(t, <-acceptErr, ErrFallbackHandled)
}

func TestAcceptFallbackOnBadToken(t *testing.T) {
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := originLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		got, _ := io.ReadAll(conn)
		received <- got
	}()

	srv, err := NewServer(Config{
		PrivateKey: testPrivateKey(0x42),
		ShortIDs:   [][]byte{{0xde, 0xad}},
		Dest:       originLn.Addr().String(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = srv.Accept(context.Background(), conn)
	}()

	// 合法 TLS 结构，但令牌是用另一把私钥加密的
	record := buildRealityClientHello(t, testPrivateKey(0x41), []byte{0xde, 0xad}, "www.example.com", 4)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write(record)
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	select {
	case got := <-received:
		// 伪装目标看到的字节与客户端发出的完全一致
		require.Equal(t, record, got)
	case <-time.After(5 * time.Second):
		t.Fatal("camouflage origin never received the prefix")
	}
}

// TestHandshakeWithCryptoTLSClient 用标准库 TLS 客户端驱动手写的服务端握手，
// 验证密钥调度与记录层与现成实现互通。
func TestHandshakeWithCryptoTLSClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	identity, err := newServerIdentity("www.example.com")
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		// 读出客户端真实的 ClientHello 再进入握手
		buf := make([]byte, maxClientHelloSize)
		n, err := io.ReadAtLeast(conn, buf, 5)
		if err != nil {
			serverErr <- err
			return
		}
		need := 5 + int(binary.BigEndian.Uint16(buf[3:5]))
		for n < need {
			m, err := conn.Read(buf[n:])
			if err != nil {
				serverErr <- err
				return
			}
			n += m
		}

		info, result := ParseClientHello(buf[:n])
		if result != ParseOK {
			serverErr <- io.ErrUnexpectedEOF
			return
		}

		tlsConn, err := serverHandshake(newPrefixedConn(conn, buf[need:n]), info, testPrivateKey(0x42), identity)
		if err != nil {
			serverErr <- err
			return
		}

		// echo 一轮数据验证应用记录层
		echo := make([]byte, 4)
		if _, err := io.ReadFull(tlsConn, echo); err != nil {
			serverErr <- err
			return
		}
		if _, err := tlsConn.Write(append([]byte("pong:"), echo...)); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := tls.Client(raw, &tls.Config{
		ServerName:         "www.example.com",
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
	})
	defer client.Close()

	require.NoError(t, client.Handshake())
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	resp := make([]byte, 9)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, "pong:ping", string(resp))

	require.NoError(t, <-serverErr)
}
