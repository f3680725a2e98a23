// Package sniffer 从明文首包中嗅探 TLS SNI，用于 TCP 转发目标覆盖。
package sniffer

import (
	"encoding/binary"
	"unicode/utf8"
)

const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01
	extensionServerName  = 0x0000
	sniTypeHostName      = 0x00
)

// SniffTLSSNI 尝试把 data 当作完整的 TLS ClientHello 记录解析并提取 SNI。
// 任何结构不完整或畸形的输入都返回 ("", false)，绝不报错——嗅探只是尽力而为。
func SniffTLSSNI(data []byte) (string, bool) {
	if len(data) < 5 || data[0] != recordTypeHandshake {
		return "", false
	}
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < 5+recordLen {
		return "", false
	}
	msg := data[5 : 5+recordLen]

	// Handshake 头：type(1) + len(3)
	if len(msg) < 4 || msg[0] != handshakeClientHello {
		return "", false
	}
	p := 4

	// 版本(2) + random(32)
	if len(msg) < p+34 {
		return "", false
	}
	p += 34

	// session_id
	if len(msg) < p+1 {
		return "", false
	}
	p += 1 + int(msg[p])

	// cipher_suites
	if len(msg) < p+2 {
		return "", false
	}
	p += 2 + int(binary.BigEndian.Uint16(msg[p:]))

	// compression_methods
	if len(msg) < p+1 {
		return "", false
	}
	p += 1 + int(msg[p])

	// extensions
	if len(msg) < p+2 {
		return "", false
	}
	extLen := int(binary.BigEndian.Uint16(msg[p:]))
	p += 2
	if len(msg) < p+extLen {
		return "", false
	}
	exts := msg[p : p+extLen]

	for len(exts) >= 4 {
		typ := binary.BigEndian.Uint16(exts[0:2])
		l := int(binary.BigEndian.Uint16(exts[2:4]))
		if len(exts) < 4+l {
			return "", false
		}
		if typ == extensionServerName {
			return parseServerNameList(exts[4 : 4+l])
		}
		exts = exts[4+l:]
	}
	return "", false
}

// parseServerNameList 遍历 server_name_list，取第一个 host_name 条目。
func parseServerNameList(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+listLen {
		return "", false
	}
	list := data[2 : 2+listLen]

	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(binary.BigEndian.Uint16(list[1:3]))
		if len(list) < 3+nameLen {
			return "", false
		}
		if nameType == sniTypeHostName {
			name := list[3 : 3+nameLen]
			if len(name) == 0 || !utf8.Valid(name) {
				return "", false
			}
			return string(name), true
		}
		list = list[3+nameLen:]
	}
	return "", false
}
