package mcp

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ServerConfig 是工具服务器的连接描述。URL 与 Command 二选一：
// 前者走网络流式传输，后者以子进程方式拉起并通过 stdio 通信。
type ServerConfig struct {
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	RegistryURL string            `json:"registry_url,omitempty"`
	ID          string            `json:"id,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// Key 返回描述的稳定哈希，用来标识一条活跃连接及其缓存条目。
// 序列化按固定字段顺序进行，环境变量按键排序，因此字段书写顺序
// 不同的两个等价描述会得到相同的键。
func (c ServerConfig) Key() string {
	var builder strings.Builder
	builder.WriteString("url=")
	builder.WriteString(c.URL)
	builder.WriteString(";command=")
	builder.WriteString(c.Command)
	builder.WriteString(";args=")
	builder.WriteString(strings.Join(c.Args, "\x00"))
	builder.WriteString(";registry=")
	builder.WriteString(c.RegistryURL)
	builder.WriteString(";id=")
	builder.WriteString(c.ID)

	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	builder.WriteString(";env=")
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(c.Env[key])
		builder.WriteString("\x00")
	}

	sum := blake3.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:16])
}
