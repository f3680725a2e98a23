package reality

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

// signatureECDSAP256SHA256 是 CertificateVerify 使用的签名算法
// （ecdsa_secp256r1_sha256）。
const signatureECDSAP256SHA256 = 0x0403

// serverIdentity 是握手期间出示的本地自签证书。
// 客户端不会校验它，但握手流程仍按标准 TLS 1.3 出牌，
// 使得未定制的 TLS 客户端也能完成握手。
type serverIdentity struct {
	certDER []byte
	key     *ecdsa.PrivateKey
}

// newServerIdentity 为伪装主机名生成一张一年期的自签 ECDSA P-256 证书。
func newServerIdentity(host string) (*serverIdentity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("reality: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("reality: create certificate: %w", err)
	}
	return &serverIdentity{certDER: der, key: key}, nil
}

// certificateMessage 组装 Certificate 握手消息（空请求上下文、单证书、无扩展）。
func (id *serverIdentity) certificateMessage() []byte {
	entry := make([]byte, 0, len(id.certDER)+5)
	entry = appendUint24(entry, len(id.certDER))
	entry = append(entry, id.certDER...)
	entry = append(entry, 0x00, 0x00) // certificate extensions

	body := make([]byte, 0, len(entry)+4)
	body = append(body, 0x00) // certificate_request_context
	body = appendUint24(body, len(entry))
	body = append(body, entry...)

	return wrapHandshake(0x0b, body)
}

// certificateVerifyMessage 按 RFC 8446 §4.4.3 对转写哈希签名。
func (id *serverIdentity) certificateVerifyMessage(transcriptHash []byte) ([]byte, error) {
	content := make([]byte, 0, 64+34+len(transcriptHash))
	for i := 0; i < 64; i++ {
		content = append(content, 0x20)
	}
	content = append(content, "TLS 1.3, server CertificateVerify"...)
	content = append(content, 0x00)
	content = append(content, transcriptHash...)

	digest := sha256.Sum256(content)
	sig, err := ecdsa.SignASN1(rand.Reader, id.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("reality: certificate verify sign: %w", err)
	}

	body := make([]byte, 0, 4+len(sig))
	body = binary.BigEndian.AppendUint16(body, signatureECDSAP256SHA256)
	body = binary.BigEndian.AppendUint16(body, uint16(len(sig)))
	body = append(body, sig...)
	return wrapHandshake(0x0f, body), nil
}

// wrapHandshake 加上 1 字节类型 + 3 字节长度的 Handshake 头。
func wrapHandshake(typ byte, body []byte) []byte {
	out := make([]byte, 0, 4+len(body))
	out = append(out, typ)
	out = appendUint24(out, len(body))
	return append(out, body...)
}

func appendUint24(dst []byte, v int) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}
