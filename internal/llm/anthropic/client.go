package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModelName = "claude-3-5-haiku-latest"
	defaultTimeout   = 120 * time.Second
	apiVersion       = "2023-06-01"

	// Messages API 要求显式的 max_tokens，调用方未指定时使用该值。
	defaultMaxTokens = 4096
)

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过流式 HTTP 调用 Anthropic Messages API。
// 与 OpenAI 的信封不同：事件按 event/data 两行成帧，文本增量位于
// 顶层 delta 字段，流结束由独立的 message_stop 事件声明。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Message 发起一次流式补全并返回最终文本。
func (c *Client) Message(ctx context.Context, req llm.Request) (string, error) {
	system, history := llm.SplitSystem(req.Messages)

	body := map[string]any{
		"model":      c.model,
		"messages":   history,
		"stream":     true,
		"max_tokens": defaultMaxTokens,
	}
	if system != "" {
		body["system"] = system
	}
	for key, value := range llm.FilterOptions(req.Options) {
		switch key {
		case "stop":
			body["stop_sequences"] = value
		case "presence_penalty", "frequency_penalty", "seed":
			// Messages API 不支持这几项，静默丢弃。
		default:
			body[key] = value
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 Anthropic 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 Anthropic 请求失败: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", nil
		}
		return "", xerrors.Wrap(xerrors.CodeVendorFailure, err, "请求 Anthropic 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := xerrors.CodeVendorFailure
		if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusTooManyRequests {
			code = xerrors.CodeQuotaExhausted
		}
		return "", xerrors.New(code,
			fmt.Sprintf("Anthropic 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	acc := llm.NewAccumulator(req.OnDelta)
	return llm.ReadStream(ctx, resp.Body, nil, parseChunk, acc)
}

// streamEvent 对应一个 data 行的 JSON 负载。
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Thinking   string `json:"thinking"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseChunk(chunk []byte) ([]llm.Token, error) {
	var tokens []llm.Token
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// event: 行只声明类型，负载在随后的 data 行里。
			continue
		}

		var decoded streamEvent
		if err := json.Unmarshal(bytes.TrimSpace(data), &decoded); err != nil {
			return nil, fmt.Errorf("解析 Anthropic 流式响应失败: %w", err)
		}
		switch decoded.Type {
		case "message_start":
			tokens = append(tokens, llm.Token{Kind: llm.TokenAssistant})
		case "content_block_delta":
			switch decoded.Delta.Type {
			case "thinking_delta":
				if decoded.Delta.Thinking != "" {
					tokens = append(tokens, llm.Token{Kind: llm.TokenReasoning, Text: decoded.Delta.Thinking})
				}
			default:
				if decoded.Delta.Text != "" {
					tokens = append(tokens, llm.Token{Kind: llm.TokenText, Text: decoded.Delta.Text})
				}
			}
		case "message_delta":
			if decoded.Delta.StopReason != "" {
				tokens = append(tokens, llm.Token{Kind: llm.TokenStop})
			}
		case "message_stop":
			tokens = append(tokens, llm.Token{Kind: llm.TokenDone})
		case "error":
			if decoded.Error != nil {
				tokens = append(tokens, llm.ErrorToken("Anthropic", decoded.Error.Message))
			}
		}
	}
	return tokens, nil
}

var _ llm.Client = (*Client)(nil)
