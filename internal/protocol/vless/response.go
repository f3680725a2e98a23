package vless

// ResponseHeader 返回发往客户端的响应前导：版本 + addon 长度，共两字节。
// 必须在任何转发数据之前写出。
func ResponseHeader() []byte {
	return []byte{Version, 0x00}
}
