package reality

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// TLS 1.3 密钥调度（RFC 8446 §7.1），仅 SHA-256 / TLS_AES_128_GCM_SHA256。

var zeros32 = make([]byte, 32)

// hkdfExpandLabel 实现 HKDF-Expand-Label：
// info = length(2) ∥ "tls13 "+label（1 字节长度前缀） ∥ context（1 字节长度前缀）。
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 4+len(full)+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		panic("reality: hkdf expand failed: " + err.Error())
	}
	return out
}

func emptyTranscriptHash() []byte {
	h := sha256.Sum256(nil)
	return h[:]
}

// handshakeSecrets 持有握手阶段的流量秘密与后续派生所需的中间量。
type handshakeSecrets struct {
	handshakeSecret     []byte
	clientTrafficSecret []byte
	serverTrafficSecret []byte
}

// deriveHandshakeSecrets 从 ECDH 共享密钥与 CH∥SH 转写哈希派生握手秘密。
func deriveHandshakeSecrets(sharedSecret, helloHash []byte) *handshakeSecrets {
	earlySecret := hkdf.Extract(sha256.New, zeros32, nil)
	derived := hkdfExpandLabel(earlySecret, "derived", emptyTranscriptHash(), 32)
	hs := hkdf.Extract(sha256.New, sharedSecret, derived)

	return &handshakeSecrets{
		handshakeSecret:     hs,
		clientTrafficSecret: hkdfExpandLabel(hs, "c hs traffic", helloHash, 32),
		serverTrafficSecret: hkdfExpandLabel(hs, "s hs traffic", helloHash, 32),
	}
}

// applicationSecrets 从握手秘密与 CH..server Finished 转写哈希派生应用流量秘密。
func (s *handshakeSecrets) applicationSecrets(transcriptHash []byte) (client, server []byte) {
	derived := hkdfExpandLabel(s.handshakeSecret, "derived", emptyTranscriptHash(), 32)
	master := hkdf.Extract(sha256.New, zeros32, derived)
	return hkdfExpandLabel(master, "c ap traffic", transcriptHash, 32),
		hkdfExpandLabel(master, "s ap traffic", transcriptHash, 32)
}

// finishedVerifyData 计算 Finished 消息的 verify_data。
func finishedVerifyData(trafficSecret, transcriptHash []byte) []byte {
	finishedKey := hkdfExpandLabel(trafficSecret, "finished", nil, 32)
	mac := hmac.New(sha256.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}
