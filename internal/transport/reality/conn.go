package reality

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// recordReader 从底层流切出完整的 TLS 记录，多读的字节留在缓冲里。
type recordReader struct {
	r   io.Reader
	buf []byte
}

func newRecordReader(r io.Reader, leftover []byte) *recordReader {
	return &recordReader{r: r, buf: append([]byte(nil), leftover...)}
}

// next 返回下一条记录的 5 字节头和负载。
func (rr *recordReader) next() (header []byte, payload []byte, err error) {
	for {
		if len(rr.buf) >= 5 {
			need := 5 + int(binary.BigEndian.Uint16(rr.buf[3:5]))
			if need > 5+maxCiphertextLen {
				return nil, nil, errRecordOverflow
			}
			if len(rr.buf) >= need {
				record := rr.buf[:need]
				rr.buf = rr.buf[need:]
				return record[:5], record[5:], nil
			}
		}
		chunk := make([]byte, 4096)
		n, err := rr.r.Read(chunk)
		if n > 0 {
			rr.buf = append(rr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// buffered 交出尚未消费的原始字节。
func (rr *recordReader) buffered() []byte {
	out := rr.buf
	rr.buf = nil
	return out
}

// Conn 是握手完成后的 TLS 1.3 连接，实现 net.Conn。
// 读写各持一个方向的记录层密码；写侧由互斥锁保证记录序列号与底层写出的原子性。
type Conn struct {
	conn net.Conn
	rr   *recordReader
	in   *recordCipher

	writeMu sync.Mutex
	out     *recordCipher

	readBuf   []byte
	readErr   error
	closeOnce sync.Once
}

func newConn(conn net.Conn, in, out *recordCipher, leftover []byte) *Conn {
	return &Conn{
		conn: conn,
		rr:   newRecordReader(conn, leftover),
		in:   in,
		out:  out,
	}
}

// Read 解密应用数据。握手后收到的 NewSessionTicket/KeyUpdate 等握手消息被忽略；
// close_notify 告警映射为 io.EOF。
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		header, payload, err := c.rr.next()
		if err != nil {
			c.readErr = err
			return 0, err
		}
		switch header[0] {
		case recordTypeChangeCipherSpec:
			continue
		case recordTypeApplicationData:
			innerType, plain, err := c.in.open(header, payload)
			if err != nil {
				c.readErr = err
				return 0, err
			}
			switch innerType {
			case recordTypeApplicationData:
				c.readBuf = plain
			case recordTypeHandshake:
				// 票据等握手后消息：不支持也无须支持，静默跳过
			case recordTypeAlert:
				c.readErr = alertToError(plain)
				return 0, c.readErr
			default:
				c.readErr = fmt.Errorf("reality: unexpected inner type %#x", innerType)
				return 0, c.readErr
			}
		case recordTypeAlert:
			// 明文告警只在对端异常时出现
			c.readErr = alertToError(payload)
			return 0, c.readErr
		default:
			c.readErr = fmt.Errorf("reality: unexpected record type %#x", header[0])
			return 0, c.readErr
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write 加密并写出应用数据，超过单记录上限时切分。
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintextLen {
			chunk = chunk[:maxPlaintextLen]
		}
		record, err := c.out.seal(chunk, recordTypeApplicationData)
		if err != nil {
			return written, err
		}
		if _, err := c.conn.Write(record); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close 尽力发送 close_notify 后关闭底层连接。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		if record, sealErr := c.out.seal([]byte{0x01, 0x00}, recordTypeAlert); sealErr == nil {
			_, _ = c.conn.Write(record)
		}
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func alertToError(payload []byte) error {
	if len(payload) == 2 && payload[1] == 0x00 { // close_notify
		return io.EOF
	}
	return fmt.Errorf("reality: tls alert %v", payload)
}

var _ net.Conn = (*Conn)(nil)

// prefixedConn 在首次读取时回放捕获的前缀字节，之后转交底层连接。
// 准入层靠它把嗅探期间读走的 ClientHello 重新交还给后续消费者。
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func newPrefixedConn(conn net.Conn, prefix []byte) *prefixedConn {
	return &prefixedConn{Conn: conn, prefix: append([]byte(nil), prefix...)}
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
