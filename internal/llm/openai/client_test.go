package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenAgent-Core/internal/llm"
)

func newStreamServer(t *testing.T, chunks []string, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("解析请求体失败: %v", err)
			}
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
	}))
}

func TestMessageAccumulatesStream(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"先推理"}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"一下"}}]}`,
		`{"choices":[{"delta":{"content":"最终答案"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}
	var captured map[string]any
	server := newStreamServer(t, chunks, &captured)
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}

	var deltas []string
	final, err := client.Message(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "问题"}},
		Options:  llm.Options{"temperature": 0.2, "tools": "dropped"},
		OnDelta:  func(delta string) { deltas = append(deltas, delta) },
	})
	if err != nil {
		t.Fatalf("Message 失败: %v", err)
	}

	if got := strings.Count(final, llm.ReasoningOpenMarker); got != 1 {
		t.Fatalf("expected 1 open marker, got %d: %q", got, final)
	}
	if got := strings.Count(final, llm.ReasoningCloseMarker); got != 1 {
		t.Fatalf("expected 1 close marker, got %d: %q", got, final)
	}
	if !strings.Contains(final, "先推理一下") || !strings.HasSuffix(final, "最终答案") {
		t.Fatalf("unexpected final text: %q", final)
	}
	if strings.Join(deltas, "") != final {
		t.Fatalf("最终文本应等于增量拼接")
	}

	if captured["stream"] != true {
		t.Fatalf("请求应开启流式: %v", captured["stream"])
	}
	if captured["temperature"] != 0.2 {
		t.Fatalf("允许清单内的参数应被转发: %v", captured)
	}
	if _, ok := captured["tools"]; ok {
		t.Fatalf("允许清单外的参数应被丢弃: %v", captured)
	}
}

func TestMessageSurfacesVendorErrorAsText(t *testing.T) {
	chunks := []string{
		`{"error":{"message":"model overloaded"}}`,
		`[DONE]`,
	}
	server := newStreamServer(t, chunks, nil)
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}

	final, err := client.Message(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "问题"}},
	})
	if err != nil {
		t.Fatalf("内嵌错误应降级为文本而不是报错: %v", err)
	}
	if !strings.Contains(final, "model overloaded") {
		t.Fatalf("错误信息未出现在文本中: %q", final)
	}
}

func TestMessageCancelReturnsPartialText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"已到达的部分\"}}]}\n\n")
		flusher.Flush()
		// 不再发送后续增量，挂起直到客户端取消
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	final, err := client.Message(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "问题"}},
		OnDelta: func(string) {
			// 第一个增量到达后取消传输
			cancel()
		},
	})
	if err != nil {
		t.Fatalf("取消应返回部分文本而不是错误: %v", err)
	}
	if final != "已到达的部分" {
		t.Fatalf("应保留取消前累计的文本: %q", final)
	}
}

func TestMessageRejectsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}

	if _, err := client.Message(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "问题"}},
	}); err == nil {
		t.Fatalf("传输层错误应向上传播")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("缺少 API Key 应报错")
	}
}
