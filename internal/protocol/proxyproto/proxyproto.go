// Package proxyproto 解析 TCP 流起始处的 Proxy Protocol v1/v2 头部，
// 用于在负载均衡器后恢复真实客户端地址。
package proxyproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Header 是解析出的代理头部信息。
type Header struct {
	Source netip.AddrPort
	Dest   netip.AddrPort
}

var (
	// ErrInvalidHeader 表示流起始处不是合法的 Proxy Protocol 头部。
	// 与嗅探不同，启用了 acceptProxyProtocol 后这是硬错误。
	ErrInvalidHeader = errors.New("proxyproto: invalid header")

	v1Signature = []byte("PROXY ")
	v2Signature = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}
)

// Detect 返回 data 是否以 Proxy Protocol 签名开头。
func Detect(data []byte) bool {
	return bytes.HasPrefix(data, v1Signature) ||
		(len(data) >= len(v2Signature) && bytes.Equal(data[:len(v2Signature)], v2Signature))
}

// Parse 解析 data 开头的 v1 或 v2 头部，返回头部和消耗的字节数。
func Parse(data []byte) (*Header, int, error) {
	if bytes.HasPrefix(data, v1Signature) {
		return parseV1(data)
	}
	if len(data) >= len(v2Signature) && bytes.Equal(data[:len(v2Signature)], v2Signature) {
		return parseV2(data)
	}
	return nil, 0, ErrInvalidHeader
}

// parseV1 解析 ASCII 行，形如 "PROXY TCP4 192.168.1.1 10.0.0.1 56789 443\r\n"。
func parseV1(data []byte) (*Header, int, error) {
	end := bytes.IndexByte(data, '\r')
	if end < 0 || end+1 >= len(data) || data[end+1] != '\n' {
		return nil, 0, fmt.Errorf("%w: missing CRLF", ErrInvalidHeader)
	}

	fields := strings.Split(string(data[:end]), " ")
	if len(fields) < 2 {
		return nil, 0, fmt.Errorf("%w: too few fields", ErrInvalidHeader)
	}

	switch fields[1] {
	case "TCP4", "TCP6", "UDP4", "UDP6":
		if len(fields) != 6 {
			return nil, 0, fmt.Errorf("%w: want 6 fields, got %d", ErrInvalidHeader, len(fields))
		}
	case "UNKNOWN":
		// UNKNOWN 行合法但不携带地址
		return &Header{}, end + 2, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidHeader, fields[1])
	}

	src, err := parseV1Addr(fields[2], fields[4])
	if err != nil {
		return nil, 0, err
	}
	dst, err := parseV1Addr(fields[3], fields[5])
	if err != nil {
		return nil, 0, err
	}
	return &Header{Source: src, Dest: dst}, end + 2, nil
}

func parseV1Addr(ip, port string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad address %q", ErrInvalidHeader, ip)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad port %q", ErrInvalidHeader, port)
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}

// parseV2 解析二进制头部：12 字节签名 + ver/cmd + 族/协议 + 2 字节地址长度。
func parseV2(data []byte) (*Header, int, error) {
	if len(data) < 16 {
		return nil, 0, fmt.Errorf("%w: v2 header truncated", ErrInvalidHeader)
	}

	verCmd := data[12]
	if verCmd>>4 != 0x2 {
		return nil, 0, fmt.Errorf("%w: bad v2 version %#x", ErrInvalidHeader, verCmd>>4)
	}

	family := data[13] >> 4
	addrLen := int(binary.BigEndian.Uint16(data[14:16]))
	if len(data) < 16+addrLen {
		return nil, 0, fmt.Errorf("%w: v2 body truncated", ErrInvalidHeader)
	}
	body := data[16 : 16+addrLen]

	h := &Header{}
	switch family {
	case 0x1: // AF_INET
		if addrLen < 12 {
			return nil, 0, fmt.Errorf("%w: short inet body", ErrInvalidHeader)
		}
		h.Source = netip.AddrPortFrom(netip.AddrFrom4([4]byte(body[0:4])), binary.BigEndian.Uint16(body[8:10]))
		h.Dest = netip.AddrPortFrom(netip.AddrFrom4([4]byte(body[4:8])), binary.BigEndian.Uint16(body[10:12]))
	case 0x2: // AF_INET6
		if addrLen < 36 {
			return nil, 0, fmt.Errorf("%w: short inet6 body", ErrInvalidHeader)
		}
		h.Source = netip.AddrPortFrom(netip.AddrFrom16([16]byte(body[0:16])), binary.BigEndian.Uint16(body[32:34]))
		h.Dest = netip.AddrPortFrom(netip.AddrFrom16([16]byte(body[16:32])), binary.BigEndian.Uint16(body[34:36]))
	default:
		// AF_UNSPEC / AF_UNIX：地址不可用，仅消费头部
	}
	return h, 16 + addrLen, nil
}
