package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/pkg/logger"
)

const (
	clientName    = "openagent"
	clientVersion = "0.1.0"

	pingTimeout        = 5 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// dialFunc 建立实际连接，测试里注入假实现统计拨号次数。
type dialFunc func(ctx context.Context, cfg ServerConfig) (session, error)

// Client 管理到多台工具服务器的长连接，并把工具、提示词、资源
// 三类能力清单缓存起来。同一描述的并发初始化会被合并成一次拨号，
// 已有连接在复用前先做一次健康检查，失联的连接连同缓存一起淘汰。
type Client struct {
	mu       sync.Mutex
	sessions map[string]session

	group          singleflight.Group
	cache          CacheStore
	dial           dialFunc
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// Option 调整 Client 的行为。
type Option func(*Client)

// WithDialer 替换拨号实现。
func WithDialer(dial dialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithDefaultTimeout 设置未指定超时的服务器调用上限。
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithLogger 替换日志器。
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// NewClient 创建工具客户端，cache 为空时退化为进程内缓存。
func NewClient(cache CacheStore, opts ...Option) *Client {
	if cache == nil {
		cache = NewMemoryCacheStore()
	}
	client := &Client{
		sessions:       make(map[string]session),
		cache:          cache,
		dial:           dialServer,
		defaultTimeout: defaultCallTimeout,
		logger:         logger.Named("mcp"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// dialServer 按描述选择传输方式并完成握手。URL 走流式 HTTP，
// Command 以子进程方式拉起并通过 stdio 通信。
func dialServer(ctx context.Context, cfg ServerConfig) (session, error) {
	impl := &mcp.Implementation{Name: clientName, Version: clientVersion}
	client := mcp.NewClient(impl, nil)

	var transport mcp.Transport
	switch {
	case cfg.URL != "":
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL}
	case cfg.Command != "":
		path, args := resolveCommand(cfg.Command, cfg.Args)
		cmd := exec.Command(path, args...)
		cmd.Env = os.Environ()
		for key, value := range cfg.Env {
			cmd.Env = append(cmd.Env, key+"="+value)
		}
		transport = &mcp.CommandTransport{Command: cmd}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务器描述缺少 url 或 command")
	}

	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "连接工具服务器失败",
			xerrors.WithMetadata("server", cfg.ID))
	}
	return &sdkSession{inner: cs}, nil
}

// initClient 返回可用连接。已有连接先 Ping 验活，失联的淘汰重建；
// 并发初始化同一描述时只有一次真正的拨号。
func (c *Client) initClient(ctx context.Context, cfg ServerConfig) (session, string, error) {
	key := cfg.Key()

	c.mu.Lock()
	existing, ok := c.sessions[key]
	c.mu.Unlock()
	if ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := existing.Ping(pingCtx)
		cancel()
		if err == nil {
			return existing, key, nil
		}
		c.logger.Warn("工具服务器失联，重建连接", "server", cfg.ID, "error", err)
		c.evict(ctx, key)
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if sess, live := c.sessions[key]; live {
			c.mu.Unlock()
			return sess, nil
		}
		c.mu.Unlock()

		sess, dialErr := c.dial(ctx, cfg)
		if dialErr != nil {
			return nil, dialErr
		}
		c.mu.Lock()
		c.sessions[key] = sess
		c.mu.Unlock()
		c.logger.Info("工具服务器连接就绪", "server", cfg.ID, "key", key)
		return sess, nil
	})
	if err != nil {
		return nil, key, err
	}
	return value.(session), key, nil
}

// evict 关闭连接并清空该服务器名下的全部缓存条目。
func (c *Client) evict(ctx context.Context, key string) {
	c.mu.Lock()
	sess, ok := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()

	if ok {
		if err := sess.Close(); err != nil {
			c.logger.Warn("关闭工具服务器连接失败", "key", key, "error", err)
		}
	}
	if err := c.cache.DeletePrefix(ctx, key); err != nil {
		c.logger.Warn("淘汰能力缓存失败", "key", key, "error", err)
	}
}

// callTimeout 返回对该服务器单次调用允许的时长。
func (c *Client) callTimeout(cfg ServerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return c.defaultTimeout
}

// ListTools 返回服务器暴露的工具清单，结果缓存五分钟。
func (c *Client) ListTools(ctx context.Context, cfg ServerConfig) ([]*mcp.Tool, error) {
	sess, key, err := c.initClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cached(ctx, c.cache, key+":tools", toolsTTL, func(ctx context.Context) ([]*mcp.Tool, error) {
		return sess.ListTools(ctx)
	})
}

// CallTool 调用指定工具。arguments 是 JSON 对象文本，空串按无参处理。
// 工具调用有副作用，永远不会走缓存。
func (c *Client) CallTool(ctx context.Context, cfg ServerConfig, name, arguments string) (*mcp.CallToolResult, error) {
	sess, _, err := c.initClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if trimmed := strings.TrimSpace(arguments); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON 对象",
				xerrors.WithMetadata("tool", name))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(cfg))
	defer cancel()

	result, err := sess.CallTool(callCtx, name, args)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, fmt.Sprintf("调用工具 %s 失败", name),
			xerrors.WithMetadata("server", cfg.ID))
	}
	return result, nil
}

// ListPrompts 返回提示词清单，结果缓存一小时。
func (c *Client) ListPrompts(ctx context.Context, cfg ServerConfig) ([]*mcp.Prompt, error) {
	sess, key, err := c.initClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cached(ctx, c.cache, key+":prompts", listTTL, func(ctx context.Context) ([]*mcp.Prompt, error) {
		return sess.ListPrompts(ctx)
	})
}

// GetPrompt 取单条提示词，按名称与参数缓存半小时。
func (c *Client) GetPrompt(ctx context.Context, cfg ServerConfig, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	sess, key, err := c.initClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	argsRaw, _ := json.Marshal(args)
	cacheKey := fmt.Sprintf("%s:prompt:%s:%s", key, name, argsRaw)
	return cached(ctx, c.cache, cacheKey, fetchTTL, func(ctx context.Context) (*mcp.GetPromptResult, error) {
		return sess.GetPrompt(ctx, name, args)
	})
}

// ListResources 返回资源清单，结果缓存一小时。
func (c *Client) ListResources(ctx context.Context, cfg ServerConfig) ([]*mcp.Resource, error) {
	sess, key, err := c.initClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cached(ctx, c.cache, key+":resources", listTTL, func(ctx context.Context) ([]*mcp.Resource, error) {
		return sess.ListResources(ctx)
	})
}

// GetResource 读取单个资源，按 URI 缓存半小时。
func (c *Client) GetResource(ctx context.Context, cfg ServerConfig, uri string) (*mcp.ReadResourceResult, error) {
	sess, key, err := c.initClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cached(ctx, c.cache, key+":resource:"+uri, fetchTTL, func(ctx context.Context) (*mcp.ReadResourceResult, error) {
		return sess.ReadResource(ctx, uri)
	})
}

// DescribeTools 把多台服务器的工具清单渲染成文本，供注入模型上下文。
// 失联的服务器记日志后跳过，不阻断其余服务器的清单。
func (c *Client) DescribeTools(ctx context.Context, servers []ServerConfig) string {
	var builder strings.Builder
	for _, cfg := range servers {
		tools, err := c.ListTools(ctx, cfg)
		if err != nil {
			c.logger.Warn("获取工具清单失败", "server", cfg.ID, "error", err)
			continue
		}
		if len(tools) == 0 {
			continue
		}
		builder.WriteString("### ")
		builder.WriteString(cfg.ID)
		builder.WriteString("\n")
		for _, tool := range tools {
			builder.WriteString("- ")
			builder.WriteString(tool.Name)
			if tool.Description != "" {
				builder.WriteString(": ")
				builder.WriteString(tool.Description)
			}
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

// StopServer 断开连接并淘汰缓存，描述本身保留，下次使用时重连。
func (c *Client) StopServer(ctx context.Context, cfg ServerConfig) {
	c.evict(ctx, cfg.Key())
}

// RemoveServer 断开连接并淘汰缓存。服务器的注册信息由配置层持有，
// 这里与 StopServer 的差别只在调用语义：移除后不期望再次使用。
func (c *Client) RemoveServer(ctx context.Context, cfg ServerConfig) {
	c.evict(ctx, cfg.Key())
}

// RestartServer 断开旧连接后立即重建。
func (c *Client) RestartServer(ctx context.Context, cfg ServerConfig) error {
	c.evict(ctx, cfg.Key())
	_, _, err := c.initClient(ctx, cfg)
	return err
}

// Cleanup 关闭全部连接并清空对应缓存，进程退出前调用。
func (c *Client) Cleanup(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.sessions))
	for key := range c.sessions {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.evict(ctx, key)
	}
}
