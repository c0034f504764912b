package openai

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
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过流式 HTTP 调用 OpenAI 兼容端点。
// 每个增量来自 choices[0].delta，推理增量来自 reasoning_content 字段。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
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
	body := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
		"stream":   true,
	}
	for key, value := range llm.FilterOptions(req.Options) {
		body[key] = value
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", nil
		}
		return "", xerrors.Wrap(xerrors.CodeVendorFailure, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := xerrors.CodeVendorFailure
		if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusTooManyRequests {
			code = xerrors.CodeQuotaExhausted
		}
		return "", xerrors.New(code,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	acc := llm.NewAccumulator(req.OnDelta)
	return llm.ReadStream(ctx, resp.Body, nil, parseChunk, acc)
}

// streamChunk 对应一个 SSE 事件中的 JSON 负载。
type streamChunk struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Choices []struct {
		Delta struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func parseChunk(chunk []byte) ([]llm.Token, error) {
	var tokens []llm.Token
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if bytes.Equal(data, []byte("[DONE]")) {
			tokens = append(tokens, llm.Token{Kind: llm.TokenDone})
			continue
		}

		var decoded streamChunk
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("解析 OpenAI 流式响应失败: %w", err)
		}
		if decoded.Error != nil {
			tokens = append(tokens, llm.ErrorToken("OpenAI", decoded.Error.Message))
			continue
		}
		if len(decoded.Choices) == 0 {
			continue
		}
		choice := decoded.Choices[0]
		if choice.Delta.Role != "" {
			tokens = append(tokens, llm.Token{Kind: llm.TokenAssistant})
		}
		if choice.Delta.ReasoningContent != "" {
			tokens = append(tokens, llm.Token{Kind: llm.TokenReasoning, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			tokens = append(tokens, llm.Token{Kind: llm.TokenText, Text: choice.Delta.Content})
		}
		if choice.FinishReason != "" {
			tokens = append(tokens, llm.Token{Kind: llm.TokenStop})
		}
	}
	return tokens, nil
}

var _ llm.Client = (*Client)(nil)
