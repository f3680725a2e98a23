// Package reality 实现 Reality 准入控制：ClientHello 结构解析、
// 基于 X25519/HKDF/AES-256-GCM 的令牌验证、ServerHello 签名注入，
// 以及验证失败时对伪装目标的透明回落。
package reality

import (
	"encoding/binary"
	"unicode/utf8"
)

// TLS 常量（仅握手路径用到的子集）
const (
	recordTypeChangeCipherSpec = 0x14
	recordTypeAlert            = 0x15
	recordTypeHandshake        = 0x16
	recordTypeApplicationData  = 0x17

	handshakeTypeClientHello = 0x01
	handshakeTypeServerHello = 0x02

	extensionServerName       = 0x0000
	extensionALPN             = 0x0010
	extensionSupportedVersion = 0x002b
	extensionKeyShare         = 0x0033

	groupX25519 = 0x001d

	maxClientHelloSize = 16384
)

// ParseResult 区分三类解析结局，准入层据此选择回落或继续等待。
type ParseResult int

const (
	// ParseOK 解析成功。
	ParseOK ParseResult = iota
	// ParseIncomplete 输入被截断，需要更多数据。
	ParseIncomplete
	// ParseNotClientHello 输入根本不是 ClientHello，直接回落，不按错误记录。
	ParseNotClientHello
)

// ClientHelloInfo 是一次准入决策期间存活的 ClientHello 摘要。
type ClientHelloInfo struct {
	Random     [32]byte
	SessionID  []byte // 通常 32 字节；长度不符则不是 Reality 候选
	KeyShare   []byte // X25519 公钥（32 字节），缺失为 nil
	ServerName string
	ALPN       []string

	// Message 是去掉记录层头部的完整 Handshake 消息，供验证器做 AAD 与转写哈希。
	Message []byte
}

// ParseClientHello 对 buf 做一次有界的结构化遍历。
// buf 可以带 5 字节记录头（首字节 0x16），也可以直接是 Handshake 消息。
// 所有长度字段都对照剩余缓冲校验；不递归；除摘要字段外不复制。
func ParseClientHello(buf []byte) (*ClientHelloInfo, ParseResult) {
	msg := buf
	if len(buf) > 0 && buf[0] == recordTypeHandshake {
		if len(buf) < 5 {
			return nil, ParseIncomplete
		}
		recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
		if len(buf) < 5+recordLen {
			return nil, ParseIncomplete
		}
		msg = buf[5 : 5+recordLen]
	}

	// Handshake 头：type(1) + length(3)
	if len(msg) < 4 {
		return nil, ParseIncomplete
	}
	if msg[0] != handshakeTypeClientHello {
		return nil, ParseNotClientHello
	}
	bodyLen := int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3])
	if len(msg) < 4+bodyLen {
		return nil, ParseIncomplete
	}
	msg = msg[:4+bodyLen]
	body := msg[4:]

	info := &ClientHelloInfo{Message: msg}
	p := 0

	// legacy_version(2) + random(32)
	if len(body) < p+34 {
		return nil, ParseIncomplete
	}
	copy(info.Random[:], body[p+2:p+34])
	p += 34

	// session_id
	if len(body) < p+1 {
		return nil, ParseIncomplete
	}
	sidLen := int(body[p])
	p++
	if len(body) < p+sidLen {
		return nil, ParseIncomplete
	}
	info.SessionID = append([]byte(nil), body[p:p+sidLen]...)
	p += sidLen

	// cipher_suites（跳过）
	if len(body) < p+2 {
		return nil, ParseIncomplete
	}
	p += 2 + int(binary.BigEndian.Uint16(body[p:]))
	if len(body) < p {
		return nil, ParseIncomplete
	}

	// compression_methods（跳过）
	if len(body) < p+1 {
		return nil, ParseIncomplete
	}
	p += 1 + int(body[p])
	if len(body) < p {
		return nil, ParseIncomplete
	}

	// extensions
	if len(body) < p+2 {
		return nil, ParseIncomplete
	}
	extLen := int(binary.BigEndian.Uint16(body[p:]))
	p += 2
	if len(body) < p+extLen {
		return nil, ParseIncomplete
	}
	exts := body[p : p+extLen]

	for len(exts) > 0 {
		if len(exts) < 4 {
			return nil, ParseIncomplete
		}
		typ := binary.BigEndian.Uint16(exts[0:2])
		l := int(binary.BigEndian.Uint16(exts[2:4]))
		if len(exts) < 4+l {
			return nil, ParseIncomplete
		}
		payload := exts[4 : 4+l]

		switch typ {
		case extensionServerName:
			info.ServerName = parseServerName(payload)
		case extensionKeyShare:
			info.KeyShare = parseKeyShare(payload)
		case extensionALPN:
			info.ALPN = parseALPN(payload)
		}
		exts = exts[4+l:]
	}

	return info, ParseOK
}

// parseServerName 取 server_name_list 中第一个 host_name 条目。
func parseServerName(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+listLen {
		return ""
	}
	list := data[2 : 2+listLen]
	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(binary.BigEndian.Uint16(list[1:3]))
		if len(list) < 3+nameLen {
			return ""
		}
		if nameType == 0x00 {
			name := list[3 : 3+nameLen]
			if utf8.Valid(name) {
				return string(name)
			}
			return ""
		}
		list = list[3+nameLen:]
	}
	return ""
}

// parseKeyShare 遍历 client_shares，取 group 为 X25519 且长度为 32 的公钥。
func parseKeyShare(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	total := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+total {
		return nil
	}
	shares := data[2 : 2+total]
	for len(shares) >= 4 {
		group := binary.BigEndian.Uint16(shares[0:2])
		keyLen := int(binary.BigEndian.Uint16(shares[2:4]))
		if len(shares) < 4+keyLen {
			return nil
		}
		if group == groupX25519 && keyLen == 32 {
			return append([]byte(nil), shares[4:4+keyLen]...)
		}
		shares = shares[4+keyLen:]
	}
	return nil
}

// parseALPN 解析 protocol_name_list。
func parseALPN(data []byte) []string {
	if len(data) < 2 {
		return nil
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+listLen {
		return nil
	}
	list := data[2 : 2+listLen]
	var out []string
	for len(list) >= 1 {
		l := int(list[0])
		if len(list) < 1+l {
			return out
		}
		out = append(out, string(list[1:1+l]))
		list = list[1+l:]
	}
	return out
}
