package main

import (
	"testing"
	"time"

	"OpenAgent-Core/internal/config"
)

func TestToolServersFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.MCP.Servers = map[string]config.MCPServerEntry{
		"filesystem": {
			Command:   "npx",
			Args:      []string{"@modelcontextprotocol/server-filesystem", "/tmp"},
			TimeoutMS: 30000,
		},
		"search": {
			URL: "http://localhost:8080/mcp",
			ID:  "web-search",
		},
	}

	servers := toolServers(cfg)
	if len(servers) != 2 {
		t.Fatalf("服务器数量不符: %d", len(servers))
	}
	// 按标识排序后 filesystem 在前
	if servers[0].ID != "filesystem" {
		t.Fatalf("未命名的服务器应沿用配置键: %s", servers[0].ID)
	}
	if servers[0].Timeout != 30*time.Second {
		t.Fatalf("超时未换算: %v", servers[0].Timeout)
	}
	if servers[1].ID != "web-search" || servers[1].URL != "http://localhost:8080/mcp" {
		t.Fatalf("显式标识未保留: %+v", servers[1])
	}
}
