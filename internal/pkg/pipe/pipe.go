// Package pipe 提供带缓冲的进程内双工管道。
// 与 net.Pipe 不同，写入不会阻塞等待对端读取，适合把 HTTP/2 流
// 与 VLESS 处理器焊接成一条逻辑连接。
package pipe

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrDeadlineExceeded 表示读取在截止时间前没有等到数据。
var ErrDeadlineExceeded = errors.New("pipe: deadline exceeded")

// sizeLimit 防止单侧缓冲无界增长。
const sizeLimit = 4 << 20

// halfPipe 是单方向的缓冲管道：Read 阻塞直到有数据、关闭或超时。
type halfPipe struct {
	buf      bytes.Buffer
	closed   bool
	rwCond   *sync.Cond
	deadline time.Time
}

func newHalfPipe() *halfPipe {
	return &halfPipe{rwCond: sync.NewCond(&sync.Mutex{})}
}

func (p *halfPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	for {
		if p.buf.Len() > 0 {
			break
		}
		if p.closed {
			return 0, io.EOF
		}
		if !p.deadline.IsZero() {
			d := time.Until(p.deadline)
			if d <= 0 {
				return 0, ErrDeadlineExceeded
			}
			time.AfterFunc(d, p.rwCond.Broadcast)
		}
		p.rwCond.Wait()
	}
	n, _ := p.buf.Read(target)
	p.rwCond.Broadcast()
	return n, nil
}

func (p *halfPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	for {
		if p.closed {
			return 0, io.ErrClosedPipe
		}
		if p.buf.Len() <= sizeLimit {
			break
		}
		p.rwCond.Wait()
	}
	n, _ := p.buf.Write(input)
	p.rwCond.Broadcast()
	return n, nil
}

func (p *halfPipe) Close() error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	p.closed = true
	p.rwCond.Broadcast()
	return nil
}

func (p *halfPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	p.deadline = t
	p.rwCond.Broadcast()
}

// Endpoint 是双工管道的一端。
type Endpoint struct {
	rd *halfPipe
	wr *halfPipe
}

// Duplex 返回互为对端的两个端点。
func Duplex() (*Endpoint, *Endpoint) {
	a, b := newHalfPipe(), newHalfPipe()
	return &Endpoint{rd: a, wr: b}, &Endpoint{rd: b, wr: a}
}

func (e *Endpoint) Read(p []byte) (int, error)  { return e.rd.Read(p) }
func (e *Endpoint) Write(p []byte) (int, error) { return e.wr.Write(p) }

// Close 关闭两个方向；对端随后的 Read 得到 EOF，Write 得到 ErrClosedPipe。
func (e *Endpoint) Close() error {
	_ = e.rd.Close()
	return e.wr.Close()
}

// SetReadDeadline 只作用于读方向。
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	e.rd.SetReadDeadline(t)
	return nil
}
