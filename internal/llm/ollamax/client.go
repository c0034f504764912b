package ollamax

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/internal/llm"
)

const (
	defaultBaseURL   = "http://127.0.0.1:11434"
	defaultModelName = "qwen3"
	defaultTimeout   = 300 * time.Second
)

// Config 描述了调用本地 Ollama 服务所需的信息。
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 基于官方 SDK 调用 Ollama。传输与信封切分由 SDK 完成，
// 本适配器只负责把回调事件映射到统一的流分类上。
type Client struct {
	api   *api.Client
	model string
}

// NewClient 根据配置创建 Ollama 客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Ollama 地址无效")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		api:   api.NewClient(base, &http.Client{Timeout: timeout}),
		model: model,
	}, nil
}

// Message 发起一次流式对话并返回最终文本。
func (c *Client) Message(ctx context.Context, req llm.Request) (string, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  buildOptions(req.Options),
	}

	acc := llm.NewAccumulator(req.OnDelta)
	err := c.api.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Role != "" && resp.Message.Content == "" && resp.Message.Thinking == "" && !resp.Done {
			acc.Feed(llm.Token{Kind: llm.TokenAssistant})
		}
		if resp.Message.Thinking != "" {
			acc.Feed(llm.Token{Kind: llm.TokenReasoning, Text: resp.Message.Thinking})
		}
		if resp.Message.Content != "" {
			acc.Feed(llm.Token{Kind: llm.TokenText, Text: resp.Message.Content})
		}
		if resp.Done {
			acc.Feed(llm.Token{Kind: llm.TokenStop})
			acc.Feed(llm.Token{Kind: llm.TokenDone})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return acc.Final(), nil
		}
		return "", xerrors.Wrap(xerrors.CodeVendorFailure, err, "请求 Ollama 失败")
	}
	return acc.Final(), nil
}

// buildOptions 把通用调优参数映射到 Ollama 的运行期选项。
func buildOptions(opts llm.Options) map[string]any {
	filtered := llm.FilterOptions(opts)
	if len(filtered) == 0 {
		return nil
	}
	options := make(map[string]any)
	for key, value := range filtered {
		switch key {
		case "temperature", "top_p", "seed", "stop":
			options[key] = value
		case "max_tokens":
			options["num_predict"] = value
		case "presence_penalty", "frequency_penalty":
			options[key] = value
		}
	}
	return options
}

var _ llm.Client = (*Client)(nil)
