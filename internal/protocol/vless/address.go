package vless

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"unicode/utf8"
)

// 地址类型标签（VLESS 线上格式）
const (
	addrTypeIPv4   byte = 0x01
	addrTypeDomain byte = 0x02
	addrTypeIPv6   byte = 0x03
)

// Address 表示 VLESS 请求中的目标地址。
// 三种变体：IPv4、域名、IPv6，端口紧跟在地址字节之后（大端 16 位）。
type Address struct {
	kind   byte
	ip     netip.Addr
	domain string
	port   uint16
}

// NewIPv4Address 构造 IPv4 地址。
func NewIPv4Address(ip [4]byte, port uint16) Address {
	return Address{kind: addrTypeIPv4, ip: netip.AddrFrom4(ip), port: port}
}

// NewIPv6Address 构造 IPv6 地址。
func NewIPv6Address(ip [16]byte, port uint16) Address {
	return Address{kind: addrTypeIPv6, ip: netip.AddrFrom16(ip), port: port}
}

// NewDomainAddress 构造域名地址。域名必须是合法 UTF-8 且不超过 255 字节。
func NewDomainAddress(domain string, port uint16) (Address, error) {
	if len(domain) == 0 || len(domain) > 255 {
		return Address{}, ErrDomainLength
	}
	if !utf8.ValidString(domain) {
		return Address{}, ErrInvalidDomain
	}
	return Address{kind: addrTypeDomain, domain: domain, port: port}, nil
}

// IsDomain 返回地址是否为域名变体。
func (a Address) IsDomain() bool { return a.kind == addrTypeDomain }

// Domain 返回域名（仅域名变体有效）。
func (a Address) Domain() string { return a.domain }

// IP 返回 IP（仅 IP 变体有效）。
func (a Address) IP() netip.Addr { return a.ip }

// Port 返回端口。
func (a Address) Port() uint16 { return a.port }

// String 返回 host:port 形式，可直接用于 net.Dial。
func (a Address) String() string {
	if a.kind == addrTypeDomain {
		return net.JoinHostPort(a.domain, fmt.Sprintf("%d", a.port))
	}
	return netip.AddrPortFrom(a.ip, a.port).String()
}

// WithPort 返回端口替换后的副本，用于 SNI 覆盖时保留原端口。
func (a Address) WithPort(port uint16) Address {
	a.port = port
	return a
}

// decodeAddress 从 buf 解析一个地址，返回地址和消耗的字节数。
//
// 注意 0x00 前导字节：部分客户端存在在地址类型前多写一个 0x00 的缺陷。
// 仅在类型字节为 0x00 时尝试按“下一字节是域名长度”的启发式恢复一次，
// 其余任何畸形输入一律报错。
func decodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrShortBuffer
	}

	typ := buf[0]
	n := 1

	if typ == 0x00 {
		// 观察到的客户端缺陷：多出一个 0x00，后面紧跟域名长度
		addr, consumed, err := decodeDomain(buf[n:])
		if err != nil {
			return Address{}, 0, fmt.Errorf("%w: 0x00", ErrInvalidAddressType)
		}
		return addr, n + consumed, nil
	}

	switch typ {
	case addrTypeIPv4:
		if len(buf[n:]) < 6 {
			return Address{}, 0, ErrShortBuffer
		}
		var ip [4]byte
		copy(ip[:], buf[n:n+4])
		port := binary.BigEndian.Uint16(buf[n+4 : n+6])
		return NewIPv4Address(ip, port), n + 6, nil
	case addrTypeDomain:
		addr, consumed, err := decodeDomain(buf[n:])
		if err != nil {
			return Address{}, 0, err
		}
		return addr, n + consumed, nil
	case addrTypeIPv6:
		if len(buf[n:]) < 18 {
			return Address{}, 0, ErrShortBuffer
		}
		var ip [16]byte
		copy(ip[:], buf[n:n+16])
		port := binary.BigEndian.Uint16(buf[n+16 : n+18])
		return NewIPv6Address(ip, port), n + 18, nil
	default:
		return Address{}, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidAddressType, typ)
	}
}

// decodeDomain 解析“1 字节长度 + 域名 + 2 字节端口”。
func decodeDomain(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrShortBuffer
	}
	l := int(buf[0])
	if l == 0 {
		return Address{}, 0, ErrDomainLength
	}
	if len(buf) < 1+l+2 {
		return Address{}, 0, ErrShortBuffer
	}
	raw := buf[1 : 1+l]
	if !utf8.Valid(raw) {
		return Address{}, 0, ErrInvalidDomain
	}
	port := binary.BigEndian.Uint16(buf[1+l : 1+l+2])
	return Address{kind: addrTypeDomain, domain: string(raw), port: port}, 1 + l + 2, nil
}

// AppendBinary 将地址编码追加到 dst。
func (a Address) AppendBinary(dst []byte) []byte {
	switch a.kind {
	case addrTypeIPv4:
		dst = append(dst, addrTypeIPv4)
		v4 := a.ip.As4()
		dst = append(dst, v4[:]...)
	case addrTypeDomain:
		dst = append(dst, addrTypeDomain, byte(len(a.domain)))
		dst = append(dst, a.domain...)
	case addrTypeIPv6:
		dst = append(dst, addrTypeIPv6)
		v6 := a.ip.As16()
		dst = append(dst, v6[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, a.port)
}
