package xhttp

import (
	"encoding/binary"
	"errors"
	"io"
)

// gRPC Length-Prefixed-Message：压缩标志(1) + 大端长度(4) + 负载。
const grpcFrameHeaderLen = 5

// maxGRPCFrameLen 拒绝离谱的帧长声明，防止缓冲无界增长。
const maxGRPCFrameLen = 8 << 20

var errGRPCFrameTooLarge = errors.New("xhttp: grpc frame too large")

// appendGRPCFrame 把 payload 包装为一个未压缩的 gRPC 帧。
func appendGRPCFrame(dst, payload []byte) []byte {
	dst = append(dst, 0x00)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// grpcUnwrapper 从字节流中增量拆出 gRPC 帧负载。
type grpcUnwrapper struct {
	buf []byte
}

// push 追加新读到的字节，emit 对每个完整帧的负载调用一次。
func (u *grpcUnwrapper) push(chunk []byte, emit func([]byte) error) error {
	u.buf = append(u.buf, chunk...)
	for len(u.buf) >= grpcFrameHeaderLen {
		msgLen := int(binary.BigEndian.Uint32(u.buf[1:5]))
		if msgLen > maxGRPCFrameLen {
			return errGRPCFrameTooLarge
		}
		if len(u.buf) < grpcFrameHeaderLen+msgLen {
			return nil
		}
		payload := u.buf[grpcFrameHeaderLen : grpcFrameHeaderLen+msgLen]
		if err := emit(payload); err != nil {
			return err
		}
		u.buf = u.buf[grpcFrameHeaderLen+msgLen:]
	}
	return nil
}

// copyUnwrapped 把 src 中的 gRPC 帧负载持续写入 dst，直到 src 结束。
func copyUnwrapped(dst io.Writer, src io.Reader) error {
	var u grpcUnwrapper
	chunk := make([]byte, 16384)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			if perr := u.push(chunk[:n], func(payload []byte) error {
				_, werr := dst.Write(payload)
				return werr
			}); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
