package reality

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"

	"golang.org/x/crypto/curve25519"
)

const cipherSuiteAES128GCMSHA256 = 0x1301

var errBadFinished = errors.New("reality: client finished verification failed")

// serverHandshake 执行 TLS 1.3 服务端握手（手写实现，等价于给 TLS 库注入
// ServerHello 发射钩子）。authKey 既是本连接的签名密钥，也取代了长期私钥：
// 被动观察者看到的 ServerHello.random 后 12 字节与真随机不可区分。
//
// 返回的 Conn 已持有应用流量密钥；客户端 Finished 之后多读的字节保留在其缓冲中。
func serverHandshake(conn net.Conn, info *ClientHelloInfo, authKey []byte, identity *serverIdentity) (*Conn, error) {
	if len(info.KeyShare) != 32 {
		return nil, errors.New("reality: client offered no x25519 key share")
	}

	// 会话 ECDH 密钥对
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], info.KeyShare)
	if err != nil {
		return nil, fmt.Errorf("reality: ecdh: %w", err)
	}

	// ServerHello.random：前 20 字节随机，后 12 字节为签名
	var serverRandom [32]byte
	if _, err := io.ReadFull(rand.Reader, serverRandom[:]); err != nil {
		return nil, err
	}
	SignServerRandom(authKey, info.Random, &serverRandom)

	sh := composeServerHello(serverRandom, info.SessionID, ephPub)

	transcript := sha256.New()
	transcript.Write(info.Message)
	transcript.Write(sh)
	secrets := deriveHandshakeSecrets(shared, sumHash(transcript))

	serverHS, err := newRecordCipher(secrets.serverTrafficSecret)
	if err != nil {
		return nil, err
	}
	clientHS, err := newRecordCipher(secrets.clientTrafficSecret)
	if err != nil {
		return nil, err
	}

	// 服务端第一飞行：SH + CCS + {EE, Certificate, CertificateVerify, Finished}
	// 一次性写出，避免回退/接受路径在报文节奏上可区分。
	flight := make([]byte, 0, 4096)
	flight = appendPlainRecord(flight, recordTypeHandshake, sh)
	flight = appendPlainRecord(flight, recordTypeChangeCipherSpec, []byte{0x01})

	ee := composeEncryptedExtensions(selectALPN(info.ALPN))
	transcript.Write(ee)
	if flight, err = appendSealed(flight, serverHS, ee); err != nil {
		return nil, err
	}

	certMsg := identity.certificateMessage()
	transcript.Write(certMsg)
	if flight, err = appendSealed(flight, serverHS, certMsg); err != nil {
		return nil, err
	}

	cv, err := identity.certificateVerifyMessage(sumHash(transcript))
	if err != nil {
		return nil, err
	}
	transcript.Write(cv)
	if flight, err = appendSealed(flight, serverHS, cv); err != nil {
		return nil, err
	}

	fin := wrapHandshake(0x14, finishedVerifyData(secrets.serverTrafficSecret, sumHash(transcript)))
	transcript.Write(fin)
	if flight, err = appendSealed(flight, serverHS, fin); err != nil {
		return nil, err
	}

	if _, err := conn.Write(flight); err != nil {
		return nil, err
	}

	// 应用密钥由 CH..server Finished 的转写派生（客户端 Finished 不参与）
	serverFinishedHash := sumHash(transcript)
	clientAppSecret, serverAppSecret := secrets.applicationSecrets(serverFinishedHash)

	// 读客户端 Finished（途中允许 CCS）
	rr := newRecordReader(conn, nil)
	expect := finishedVerifyData(secrets.clientTrafficSecret, serverFinishedHash)
	for {
		header, payload, err := rr.next()
		if err != nil {
			return nil, fmt.Errorf("reality: waiting for client finished: %w", err)
		}
		switch header[0] {
		case recordTypeChangeCipherSpec:
			continue
		case recordTypeApplicationData:
			innerType, plain, err := clientHS.open(header, payload)
			if err != nil {
				return nil, err
			}
			if innerType != recordTypeHandshake || len(plain) < 4 || plain[0] != 0x14 {
				return nil, errors.New("reality: unexpected message before client finished")
			}
			if !hmac.Equal(plain[4:], expect) {
				return nil, errBadFinished
			}
		case recordTypeAlert:
			return nil, fmt.Errorf("reality: alert during handshake: %v", payload)
		default:
			return nil, fmt.Errorf("reality: unexpected record type %#x during handshake", header[0])
		}
		break
	}

	in, err := newRecordCipher(clientAppSecret)
	if err != nil {
		return nil, err
	}
	out, err := newRecordCipher(serverAppSecret)
	if err != nil {
		return nil, err
	}
	return newConn(conn, in, out, rr.buffered()), nil
}

// composeServerHello 组装 ServerHello 握手消息：
// 回显 SessionID，固定套件 TLS_AES_128_GCM_SHA256，携带
// supported_versions(1.3) 与 key_share(X25519) 两个扩展。
func composeServerHello(serverRandom [32]byte, sessionID, publicKey []byte) []byte {
	exts := make([]byte, 0, 48)
	// supported_versions
	exts = binary.BigEndian.AppendUint16(exts, extensionSupportedVersion)
	exts = binary.BigEndian.AppendUint16(exts, 2)
	exts = append(exts, 0x03, 0x04)
	// key_share
	exts = binary.BigEndian.AppendUint16(exts, extensionKeyShare)
	exts = binary.BigEndian.AppendUint16(exts, uint16(4+len(publicKey)))
	exts = binary.BigEndian.AppendUint16(exts, groupX25519)
	exts = binary.BigEndian.AppendUint16(exts, uint16(len(publicKey)))
	exts = append(exts, publicKey...)

	body := make([]byte, 0, 128)
	body = append(body, 0x03, 0x03)
	body = append(body, serverRandom[:]...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	body = binary.BigEndian.AppendUint16(body, cipherSuiteAES128GCMSHA256)
	body = append(body, 0x00) // compression: null
	body = binary.BigEndian.AppendUint16(body, uint16(len(exts)))
	body = append(body, exts...)

	return wrapHandshake(handshakeTypeServerHello, body)
}

// composeEncryptedExtensions 组装 EncryptedExtensions，协商到 ALPN 时回显所选协议。
func composeEncryptedExtensions(alpn string) []byte {
	var exts []byte
	if alpn != "" {
		exts = binary.BigEndian.AppendUint16(exts, extensionALPN)
		exts = binary.BigEndian.AppendUint16(exts, uint16(2+1+len(alpn)))
		exts = binary.BigEndian.AppendUint16(exts, uint16(1+len(alpn)))
		exts = append(exts, byte(len(alpn)))
		exts = append(exts, alpn...)
	}
	body := binary.BigEndian.AppendUint16(nil, uint16(len(exts)))
	body = append(body, exts...)
	return wrapHandshake(0x08, body)
}

// selectALPN 优先选择 h2（XHTTP 依赖），否则 http/1.1，都没有则不协商。
func selectALPN(offered []string) string {
	for _, p := range offered {
		if p == "h2" {
			return p
		}
	}
	for _, p := range offered {
		if p == "http/1.1" {
			return p
		}
	}
	return ""
}

func appendPlainRecord(dst []byte, typ byte, payload []byte) []byte {
	dst = append(dst, typ, 0x03, 0x03)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

func appendSealed(dst []byte, c *recordCipher, msg []byte) ([]byte, error) {
	record, err := c.seal(msg, recordTypeHandshake)
	if err != nil {
		return nil, err
	}
	return append(dst, record...), nil
}

func sumHash(h hash.Hash) []byte {
	return h.Sum(nil)
}
