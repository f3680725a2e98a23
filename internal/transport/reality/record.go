package reality

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// maxPlaintextLen 是单条记录允许的最大明文长度（RFC 8446 §5.1）。
const maxPlaintextLen = 16384

// maxCiphertextLen 含内容类型字节与 GCM tag 的上限。
const maxCiphertextLen = maxPlaintextLen + 256

var errRecordOverflow = errors.New("reality: tls record overflow")

// recordCipher 是单方向的 TLS 1.3 记录层密码状态（AES-128-GCM + 递增序列号）。
type recordCipher struct {
	aead cipher.AEAD
	iv   [12]byte
	seq  uint64
}

// newRecordCipher 从流量秘密派生 key/iv 并构造 AEAD。
func newRecordCipher(trafficSecret []byte) (*recordCipher, error) {
	key := hkdfExpandLabel(trafficSecret, "key", nil, 16)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c := &recordCipher{aead: aead}
	copy(c.iv[:], hkdfExpandLabel(trafficSecret, "iv", nil, 12))
	return c, nil
}

// nonce 为当前序列号构造 per-record nonce：iv XOR 左填充的 seq。
func (c *recordCipher) nonce() [12]byte {
	var n [12]byte
	copy(n[:], c.iv[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.seq)
	for i := 0; i < 8; i++ {
		n[4+i] ^= seq[i]
	}
	return n
}

// seal 把 plaintext 封装为一条 application_data 外观的加密记录（含 5 字节头）。
// innerType 是 TLSInnerPlaintext 的真实内容类型。
func (c *recordCipher) seal(plaintext []byte, innerType byte) ([]byte, error) {
	if len(plaintext) > maxPlaintextLen {
		return nil, errRecordOverflow
	}
	inner := make([]byte, 0, len(plaintext)+1)
	inner = append(inner, plaintext...)
	inner = append(inner, innerType)

	total := len(inner) + c.aead.Overhead()
	record := make([]byte, 5, 5+total)
	record[0] = recordTypeApplicationData
	record[1], record[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(record[3:5], uint16(total))

	nonce := c.nonce()
	record = c.aead.Seal(record, nonce[:], inner, record[:5])
	c.seq++
	return record, nil
}

// open 解密一条记录，返回真实内容类型与明文（零填充已剥离）。
// header 是原始 5 字节记录头（即 AAD），ciphertext 是其后的负载。
func (c *recordCipher) open(header, ciphertext []byte) (byte, []byte, error) {
	if len(ciphertext) > maxCiphertextLen {
		return 0, nil, errRecordOverflow
	}
	nonce := c.nonce()
	inner, err := c.aead.Open(nil, nonce[:], ciphertext, header)
	if err != nil {
		return 0, nil, fmt.Errorf("reality: record decrypt: %w", err)
	}
	c.seq++

	// TLSInnerPlaintext：去掉尾部零填充，末字节是内容类型
	i := len(inner) - 1
	for i >= 0 && inner[i] == 0 {
		i--
	}
	if i < 0 {
		return 0, nil, errors.New("reality: record has no content type")
	}
	return inner[i], inner[:i], nil
}
