// Package vless 实现 VLESS 请求/响应的线上编解码。
//
// 请求格式（版本 0）：
//
//	version(1) + uuid(16) + addon_len(1) + addons(N) + command(1) + address(变长)
//
// 响应前导为两个字节：version(1) + addon_len(1)，随后即为转发载荷。
package vless

import (
	"errors"

	"github.com/google/uuid"
)

// Version 是当前唯一支持的 VLESS 协议版本。
const Version byte = 0

// Command 是请求的转发类型。
type Command byte

const (
	CommandTCP Command = 0x01
	CommandUDP Command = 0x02
	CommandMux Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	case CommandMux:
		return "mux"
	default:
		return "unknown"
	}
}

// 解码错误按类别区分，便于定位客户端兼容性问题。
var (
	ErrShortBuffer        = errors.New("vless: buffer too short")
	ErrUnsupportedVersion = errors.New("vless: unsupported version")
	ErrUnknownCommand     = errors.New("vless: unknown command")
	ErrUnauthorizedUUID   = errors.New("vless: unauthorized uuid")
	ErrInvalidAddressType = errors.New("vless: invalid address type")
	ErrInvalidDomain      = errors.New("vless: domain is not valid utf-8")
	ErrDomainLength       = errors.New("vless: invalid domain length")
)

// Request 是解码后的单次 VLESS 请求。
type Request struct {
	Version byte
	UUID    uuid.UUID
	Command Command
	Address Address
}

// Codec 持有允许的客户端 UUID 集合，并发只读安全。
type Codec struct {
	allowed map[uuid.UUID]struct{}
}

// NewCodec 根据允许列表构造编解码器。
func NewCodec(allowed []uuid.UUID) *Codec {
	m := make(map[uuid.UUID]struct{}, len(allowed))
	for _, id := range allowed {
		m[id] = struct{}{}
	}
	return &Codec{allowed: m}
}

// Authorized 检查 UUID 是否在允许列表中。
func (c *Codec) Authorized(id uuid.UUID) bool {
	_, ok := c.allowed[id]
	return ok
}

// DecodeRequest 从 buf 解码请求头，返回请求和消耗的字节数。
// buf 中头部之后的剩余字节是初始载荷，由调用方转发。
func (c *Codec) DecodeRequest(buf []byte) (*Request, int, error) {
	// version(1) + uuid(16) + addon_len(1) + command(1)；地址长度由 decodeAddress 校验
	if len(buf) < 19 {
		return nil, 0, ErrShortBuffer
	}

	version := buf[0]
	if version != Version {
		return nil, 0, ErrUnsupportedVersion
	}

	var id uuid.UUID
	copy(id[:], buf[1:17])
	if !c.Authorized(id) {
		return nil, 0, ErrUnauthorizedUUID
	}

	addonLen := int(buf[17])
	n := 18 + addonLen // addons 内容不解析，直接跳过
	if len(buf) < n+1 {
		return nil, 0, ErrShortBuffer
	}

	cmd := Command(buf[n])
	n++
	switch cmd {
	case CommandTCP, CommandUDP, CommandMux:
	default:
		return nil, 0, ErrUnknownCommand
	}

	addr, consumed, err := decodeAddress(buf[n:])
	if err != nil {
		return nil, 0, err
	}
	n += consumed

	return &Request{
		Version: version,
		UUID:    id,
		Command: cmd,
		Address: addr,
	}, n, nil
}

// EncodeRequest 编码请求头（主要供测试与客户端侧使用）。
func (c *Codec) EncodeRequest(req *Request) []byte {
	out := make([]byte, 0, 19+len(req.Address.domain)+18)
	out = append(out, req.Version)
	out = append(out, req.UUID[:]...)
	out = append(out, 0) // addon 长度恒为 0
	out = append(out, byte(req.Command))
	return req.Address.AppendBinary(out)
}
