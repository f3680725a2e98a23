package reality

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo 是 Reality 认证密钥派生的固定 info 串，互操作性要求逐字节一致。
var hkdfInfo = []byte("REALITY")

// DeriveAuthKey 计算会话认证密钥：
// X25519(server_private, client_public) 经 HKDF-SHA256 扩展，
// salt 取 ClientRandom 前 20 字节，info 为 "REALITY"，输出 32 字节。
func DeriveAuthKey(privateKey, clientPublic []byte, clientRandom [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(privateKey, clientPublic)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, clientRandom[:20], hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// VerifyClientHello 用配置私钥验证 ClientHello 中嵌入的 Reality 令牌。
// 成功时返回会话认证密钥和 Short ID 在明文中的偏移（4 或 8）。
// 任何一步失败都返回 ok=false，调用方按回落处理；验证器本身无副作用，可并发调用。
func VerifyClientHello(privateKey []byte, shortIDs [][]byte, info *ClientHelloInfo) (authKey []byte, offset int, ok bool) {
	if len(info.SessionID) != 32 || len(info.KeyShare) != 32 {
		return nil, 0, false
	}

	authKey, err := DeriveAuthKey(privateKey, info.KeyShare, info.Random)
	if err != nil {
		return nil, 0, false
	}

	block, err := aes.NewCipher(authKey)
	if err != nil {
		return nil, 0, false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, 0, false
	}

	// AAD 是整条 Handshake 消息，但其中的 SessionID 必须清零：
	// 被认证的密文正是 SessionID 本身，原始字节不能留在 AAD 里。
	aad := append([]byte(nil), info.Message...)
	if pos := bytes.Index(aad, info.SessionID); pos >= 0 {
		for i := 0; i < 32; i++ {
			aad[pos+i] = 0
		}
	}

	nonce := info.Random[20:32]
	plaintext, err := gcm.Open(nil, nonce, info.SessionID, aad)
	if err != nil {
		return nil, 0, false
	}
	if len(plaintext) < 16 {
		return nil, 0, false
	}

	offset, ok = matchShortID(shortIDs, plaintext)
	if !ok {
		return nil, 0, false
	}
	return authKey, offset, true
}

// matchShortID 在两种已知客户端布局里比对 Short ID：
// 布局 A 的 Short ID 从明文偏移 4 开始，布局 B 从偏移 8 开始。
// Short ID 列表为空时拒绝一切——空列表不是通配。
func matchShortID(shortIDs [][]byte, plaintext []byte) (int, bool) {
	for _, sid := range shortIDs {
		if len(sid) == 0 || len(sid) > 8 {
			continue
		}
		if bytes.Equal(plaintext[4:4+len(sid)], sid) {
			return 4, true
		}
		if bytes.Equal(plaintext[8:8+len(sid)], sid) {
			return 8, true
		}
	}
	return 0, false
}

// SignServerRandom 把 ServerHello.random 的最后 12 字节替换为签名：
// HMAC-SHA256(key, ClientRandom ∥ ServerHello.random[0:20]) 的前 12 字节。
// 这是服务端对客户端唯一的真实性断言；客户端不会做证书校验。
func SignServerRandom(key []byte, clientRandom [32]byte, serverRandom *[32]byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(clientRandom[:])
	mac.Write(serverRandom[:20])
	copy(serverRandom[20:], mac.Sum(nil)[:12])
}

// VerifyServerRandom 校验签名（客户端视角，测试用）。
func VerifyServerRandom(key []byte, clientRandom [32]byte, serverRandom [32]byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(clientRandom[:])
	mac.Write(serverRandom[:20])
	return hmac.Equal(mac.Sum(nil)[:12], serverRandom[20:])
}
