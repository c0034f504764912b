package gemini

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
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultModelName = "gemini-2.0-flash"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用 Gemini GenerateContent API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过流式 HTTP 调用 Gemini。该厂商的差异在于角色命名：
// assistant 在请求与响应中都写作 model，系统指令是独立的请求字段
// 而不是内联消息。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
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

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// Message 发起一次流式补全并返回最终文本。
func (c *Client) Message(ctx context.Context, req llm.Request) (string, error) {
	system, history := llm.SplitSystem(req.Messages)

	contents := make([]geminiContent, 0, len(history))
	for _, msg := range history {
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	body := map[string]any{
		"contents": contents,
	}
	if system != "" {
		body["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if generation := buildGenerationConfig(req.Options); len(generation) > 0 {
		body["generationConfig"] = generation
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", nil
		}
		return "", xerrors.Wrap(xerrors.CodeVendorFailure, err, "请求 Gemini 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := xerrors.CodeVendorFailure
		if resp.StatusCode == http.StatusTooManyRequests {
			code = xerrors.CodeQuotaExhausted
		}
		return "", xerrors.New(code,
			fmt.Sprintf("Gemini 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	acc := llm.NewAccumulator(req.OnDelta)
	return llm.ReadStream(ctx, resp.Body, nil, parseChunk, acc)
}

// buildGenerationConfig 把通用调优参数映射到 Gemini 的字段命名。
func buildGenerationConfig(opts llm.Options) map[string]any {
	filtered := llm.FilterOptions(opts)
	if len(filtered) == 0 {
		return nil
	}
	generation := make(map[string]any)
	for key, value := range filtered {
		switch key {
		case "temperature":
			generation["temperature"] = value
		case "top_p":
			generation["topP"] = value
		case "max_tokens":
			generation["maxOutputTokens"] = value
		case "stop":
			generation["stopSequences"] = value
		case "seed":
			generation["seed"] = value
		}
	}
	return generation
}

// streamChunk 对应一个 SSE 事件中的 JSON 负载。
type streamChunk struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Candidates []struct {
		Content struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func parseChunk(chunk []byte) ([]llm.Token, error) {
	var tokens []llm.Token
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}

		var decoded streamChunk
		if err := json.Unmarshal(bytes.TrimSpace(data), &decoded); err != nil {
			return nil, fmt.Errorf("解析 Gemini 流式响应失败: %w", err)
		}
		if decoded.Error != nil {
			tokens = append(tokens, llm.ErrorToken("Gemini", decoded.Error.Message))
			continue
		}
		if len(decoded.Candidates) == 0 {
			continue
		}
		candidate := decoded.Candidates[0]
		if candidate.Content.Role == "model" && len(tokens) == 0 {
			tokens = append(tokens, llm.Token{Kind: llm.TokenAssistant})
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				tokens = append(tokens, llm.Token{Kind: llm.TokenText, Text: part.Text})
			}
		}
		if candidate.FinishReason != "" {
			tokens = append(tokens, llm.Token{Kind: llm.TokenStop}, llm.Token{Kind: llm.TokenDone})
		}
	}
	return tokens, nil
}

var _ llm.Client = (*Client)(nil)
