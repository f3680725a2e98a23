// Package config 提供配置加载、默认值与校验。
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// 协议与安全层取值
const (
	ProtocolVLESS = "vless"

	SecurityNone    = "none"
	SecurityTLS     = "tls"
	SecurityReality = "reality"

	NetworkTCP  = "tcp"
	NetworkWS   = "ws"
	NetworkGRPC = "grpc"
	NetworkHTTP = "http"
)

// Config 是进程的顶层配置。
type Config struct {
	Inbounds  []Inbound  `mapstructure:"inbounds"`
	Outbounds []Outbound `mapstructure:"outbounds"`
	Routing   Routing    `mapstructure:"routing"`
	Log       LogConfig  `mapstructure:"log"`
	Ops       OpsConfig  `mapstructure:"ops"`
}

// Inbound 是一个监听端口的完整入站定义。
type Inbound struct {
	Protocol       string          `mapstructure:"protocol"`
	Listen         string          `mapstructure:"listen"`
	Port           uint16          `mapstructure:"port"`
	Settings       InboundSettings `mapstructure:"settings"`
	StreamSettings StreamSettings  `mapstructure:"streamSettings"`
}

// InboundSettings 携带 VLESS 客户端列表与嗅探开关。
type InboundSettings struct {
	Clients    []Client `mapstructure:"clients"`
	Decryption string   `mapstructure:"decryption"`
	Sniffing   Sniffing `mapstructure:"sniffing"`
}

// Client 是一个被允许的 VLESS 客户端。
type Client struct {
	ID    string `mapstructure:"id"`
	Flow  string `mapstructure:"flow"`
	Email string `mapstructure:"email"`
}

// Sniffing 控制 TLS SNI 嗅探与目标覆盖。
type Sniffing struct {
	Enabled      bool     `mapstructure:"enabled"`
	DestOverride []string `mapstructure:"destOverride"`
}

// StreamSettings 描述传输层叠层。
type StreamSettings struct {
	Network         string           `mapstructure:"network"`
	Security        string           `mapstructure:"security"`
	RealitySettings *RealitySettings `mapstructure:"realitySettings"`
	XHTTPSettings   *XHTTPSettings   `mapstructure:"xhttpSettings"`
	Sockopt         Sockopt          `mapstructure:"sockopt"`
}

// RealitySettings 对应 Reality 准入层配置。
type RealitySettings struct {
	Dest        string   `mapstructure:"dest"`
	ServerNames []string `mapstructure:"serverNames"`
	PrivateKey  string   `mapstructure:"privateKey"`
	PublicKey   string   `mapstructure:"publicKey"`
	ShortIDs    []string `mapstructure:"shortIds"`
	Fingerprint string   `mapstructure:"fingerprint"`
}

// XHTTPSettings 对应 XHTTP 绑定层配置。
type XHTTPSettings struct {
	Mode string `mapstructure:"mode"`
	Path string `mapstructure:"path"`
	Host string `mapstructure:"host"`
}

// Sockopt 是 TCP 套接字选项。指针字段缺省为 nil 时取默认值。
type Sockopt struct {
	TCPFastOpen         *bool `mapstructure:"tcpFastOpen"`
	TCPNoDelay          *bool `mapstructure:"tcpNoDelay"`
	AcceptProxyProtocol bool  `mapstructure:"acceptProxyProtocol"`
}

// NoDelay 返回 tcpNoDelay 的生效值（默认开启）。
func (s Sockopt) NoDelay() bool {
	return s.TCPNoDelay == nil || *s.TCPNoDelay
}

// FastOpen 返回 tcpFastOpen 的生效值（默认开启）。
func (s Sockopt) FastOpen() bool {
	return s.TCPFastOpen == nil || *s.TCPFastOpen
}

// Outbound 仅承载协议与 tag；当前只有 freedom 直连被消费。
type Outbound struct {
	Protocol string         `mapstructure:"protocol"`
	Tag      string         `mapstructure:"tag"`
	Settings map[string]any `mapstructure:"settings"`
}

// Routing 占位保留配置形状；规则评估不在本进程内。
type Routing struct {
	Rules []RoutingRule `mapstructure:"rules"`
}

// RoutingRule 是一条路由规则。
type RoutingRule struct {
	Type        string   `mapstructure:"type"`
	Domain      []string `mapstructure:"domain"`
	IP          []string `mapstructure:"ip"`
	OutboundTag string   `mapstructure:"outboundTag"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	ToFile   bool   `mapstructure:"toFile"`
	FilePath string `mapstructure:"filePath"`
}

// OpsConfig 控制可选的运维端点。
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load 从 path 读取 JSON 配置，填充默认值并校验。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize 填充省略字段的默认值。
func (c *Config) normalize() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	for i := range c.Inbounds {
		in := &c.Inbounds[i]
		if in.Listen == "" {
			in.Listen = "0.0.0.0"
		}
		if in.Settings.Decryption == "" {
			in.Settings.Decryption = "none"
		}
		if in.Settings.Sniffing.Enabled && len(in.Settings.Sniffing.DestOverride) == 0 {
			in.Settings.Sniffing.DestOverride = []string{"tls"}
		}
		if in.StreamSettings.Network == "" {
			in.StreamSettings.Network = NetworkTCP
		}
		if in.StreamSettings.Security == "" {
			in.StreamSettings.Security = SecurityNone
		}
		if rs := in.StreamSettings.RealitySettings; rs != nil && rs.Fingerprint == "" {
			rs.Fingerprint = "chrome"
		}
		if xs := in.StreamSettings.XHTTPSettings; xs != nil {
			if xs.Mode == "" {
				xs.Mode = "auto"
			}
			if xs.Path == "" {
				xs.Path = "/"
			}
		}
	}
}

// Validate 做启动期的强校验：配置错误属于致命错误。
func (c *Config) Validate() error {
	if len(c.Inbounds) == 0 {
		return fmt.Errorf("config: at least one inbound is required")
	}
	for i := range c.Inbounds {
		if err := c.Inbounds[i].validate(); err != nil {
			return fmt.Errorf("config: inbound %d: %w", i, err)
		}
	}
	if len(c.Outbounds) == 0 {
		return fmt.Errorf("config: at least one outbound is required")
	}
	return nil
}

func (in *Inbound) validate() error {
	if in.Protocol != ProtocolVLESS {
		return fmt.Errorf("unsupported protocol %q", in.Protocol)
	}
	if in.Port == 0 {
		return fmt.Errorf("port must not be 0")
	}
	if len(in.Settings.Clients) == 0 {
		return fmt.Errorf("at least one client is required")
	}
	for j, cl := range in.Settings.Clients {
		if _, err := uuid.Parse(cl.ID); err != nil {
			return fmt.Errorf("client %d: invalid uuid %q", j, cl.ID)
		}
	}

	switch in.StreamSettings.Security {
	case SecurityNone, SecurityTLS:
	case SecurityReality:
		rs := in.StreamSettings.RealitySettings
		if rs == nil {
			return fmt.Errorf("security is reality but realitySettings is missing")
		}
		if rs.Dest == "" {
			return fmt.Errorf("realitySettings.dest must not be empty")
		}
		if len(rs.ServerNames) == 0 {
			return fmt.Errorf("realitySettings.serverNames must not be empty")
		}
		if _, err := rs.DecodePrivateKey(); err != nil {
			return err
		}
		if _, err := rs.DecodeShortIDs(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown security %q", in.StreamSettings.Security)
	}

	if xs := in.StreamSettings.XHTTPSettings; xs != nil {
		switch xs.Mode {
		case "auto", "stream-up", "stream-down", "stream-one":
		default:
			return fmt.Errorf("unknown xhttp mode %q", xs.Mode)
		}
		if xs.Path == "" {
			return fmt.Errorf("xhttpSettings.path must not be empty")
		}
	}
	return nil
}

// ClientUUIDs 返回入站允许的 UUID 列表。
func (in *Inbound) ClientUUIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(in.Settings.Clients))
	for _, cl := range in.Settings.Clients {
		if id, err := uuid.Parse(cl.ID); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// SniffTLS 返回是否对 TCP 会话做 TLS SNI 目标覆盖。
func (s Sniffing) SniffTLS() bool {
	if !s.Enabled {
		return false
	}
	for _, d := range s.DestOverride {
		if strings.EqualFold(d, "tls") {
			return true
		}
	}
	return false
}

// DecodePrivateKey 解码 X25519 私钥，接受 base64url-no-pad（Xray 格式）与标准 base64。
func (r *RealitySettings) DecodePrivateKey() ([]byte, error) {
	if r.PrivateKey == "" {
		return nil, fmt.Errorf("realitySettings.privateKey must not be empty")
	}
	key, err := base64.RawURLEncoding.DecodeString(r.PrivateKey)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(r.PrivateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("realitySettings.privateKey: invalid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("realitySettings.privateKey must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DecodeShortIDs 把十六进制 Short ID 解码为字节串，每个不超过 8 字节。
func (r *RealitySettings) DecodeShortIDs() ([][]byte, error) {
	out := make([][]byte, 0, len(r.ShortIDs))
	for _, s := range r.ShortIDs {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("realitySettings.shortIds: invalid hex %q: %w", s, err)
		}
		if len(b) > 8 {
			return nil, fmt.Errorf("realitySettings.shortIds: %q longer than 8 bytes", s)
		}
		out = append(out, b)
	}
	return out, nil
}
