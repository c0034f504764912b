package mcp

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	xerrors "OpenAgent-Core/internal/errors"
)

type fakeSession struct {
	mu        sync.Mutex
	pingErr   error
	listCalls int
	callCalls int
	lastTool  string
	lastArgs  map[string]any
	closed    bool
}

func (f *fakeSession) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSession) ListTools(context.Context) ([]*sdk.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return []*sdk.Tool{{Name: "search", Description: "检索网页"}, {Name: "fetch"}}, nil
}

func (f *fakeSession) CallTool(_ context.Context, name string, args map[string]any) (*sdk.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCalls++
	f.lastTool = name
	f.lastArgs = args
	return &sdk.CallToolResult{}, nil
}

func (f *fakeSession) ListPrompts(context.Context) ([]*sdk.Prompt, error) {
	return []*sdk.Prompt{{Name: "review"}}, nil
}

func (f *fakeSession) GetPrompt(_ context.Context, name string, _ map[string]string) (*sdk.GetPromptResult, error) {
	return &sdk.GetPromptResult{Description: name}, nil
}

func (f *fakeSession) ListResources(context.Context) ([]*sdk.Resource, error) {
	return []*sdk.Resource{{URI: "file:///readme"}}, nil
}

func (f *fakeSession) ReadResource(_ context.Context, uri string) (*sdk.ReadResourceResult, error) {
	return &sdk.ReadResourceResult{}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestClient(t *testing.T, dial dialFunc) *Client {
	t.Helper()
	return NewClient(NewMemoryCacheStore(), WithDialer(dial))
}

func TestListToolsServedFromCache(t *testing.T) {
	sess := &fakeSession{}
	var dials int32
	client := newTestClient(t, func(context.Context, ServerConfig) (session, error) {
		atomic.AddInt32(&dials, 1)
		return sess, nil
	})

	cfg := ServerConfig{Command: "demo-server", ID: "demo"}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tools, err := client.ListTools(ctx, cfg)
		if err != nil {
			t.Fatalf("ListTools 失败: %v", err)
		}
		if len(tools) != 2 || tools[0].Name != "search" {
			t.Fatalf("工具清单不符: %v", tools)
		}
	}

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("期望建立一条连接, got %d", got)
	}
	if sess.listCalls != 1 {
		t.Fatalf("TTL 内应只回源一次, got %d", sess.listCalls)
	}
}

func TestConcurrentInitDialsOnce(t *testing.T) {
	release := make(chan struct{})
	var dials int32
	client := newTestClient(t, func(context.Context, ServerConfig) (session, error) {
		atomic.AddInt32(&dials, 1)
		<-release
		return &fakeSession{}, nil
	})

	cfg := ServerConfig{URL: "http://localhost:8080/mcp"}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.ListTools(ctx, cfg); err != nil {
				t.Errorf("并发 ListTools 失败: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("并发初始化应合并为一次拨号, got %d", got)
	}
}

func TestDeadSessionEvictedAndRedialed(t *testing.T) {
	dead := &fakeSession{pingErr: context.DeadlineExceeded}
	fresh := &fakeSession{}
	var dials int32
	client := newTestClient(t, func(context.Context, ServerConfig) (session, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return dead, nil
		}
		return fresh, nil
	})

	cfg := ServerConfig{Command: "demo-server"}
	ctx := context.Background()

	if _, err := client.ListTools(ctx, cfg); err != nil {
		t.Fatalf("首次 ListTools 失败: %v", err)
	}
	if _, err := client.ListTools(ctx, cfg); err != nil {
		t.Fatalf("重连后 ListTools 失败: %v", err)
	}

	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Fatalf("失联连接应重建, dials=%d", got)
	}
	if !dead.closed {
		t.Fatal("失联连接未被关闭")
	}
	if fresh.listCalls != 1 {
		t.Fatalf("重建后应重新回源, got %d", fresh.listCalls)
	}
}

func TestStopServerDropsSessionAndCache(t *testing.T) {
	sess := &fakeSession{}
	var dials int32
	client := newTestClient(t, func(context.Context, ServerConfig) (session, error) {
		atomic.AddInt32(&dials, 1)
		return sess, nil
	})

	cfg := ServerConfig{Command: "demo-server"}
	ctx := context.Background()

	if _, err := client.ListTools(ctx, cfg); err != nil {
		t.Fatalf("ListTools 失败: %v", err)
	}
	client.StopServer(ctx, cfg)

	if _, err := client.ListTools(ctx, cfg); err != nil {
		t.Fatalf("停止后再次 ListTools 失败: %v", err)
	}
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Fatalf("停止后应重新拨号, got %d", got)
	}
	if sess.listCalls != 2 {
		t.Fatalf("停止后不应继续使用旧缓存, listCalls=%d", sess.listCalls)
	}
}

func TestCallToolParsesArguments(t *testing.T) {
	sess := &fakeSession{}
	client := newTestClient(t, func(context.Context, ServerConfig) (session, error) {
		return sess, nil
	})

	cfg := ServerConfig{Command: "demo-server", ID: "demo"}
	ctx := context.Background()

	if _, err := client.CallTool(ctx, cfg, "search", `{"query": "golang", "limit": 3}`); err != nil {
		t.Fatalf("CallTool 失败: %v", err)
	}
	if sess.lastTool != "search" {
		t.Fatalf("工具名不符: %s", sess.lastTool)
	}
	if sess.lastArgs["query"] != "golang" {
		t.Fatalf("参数未透传: %v", sess.lastArgs)
	}

	if _, err := client.CallTool(ctx, cfg, "search", ""); err != nil {
		t.Fatalf("空参数应按无参处理: %v", err)
	}
	if sess.lastArgs != nil {
		t.Fatalf("空参数不应构造对象: %v", sess.lastArgs)
	}

	_, err := client.CallTool(ctx, cfg, "search", "not json")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法参数应返回 INVALID_ARGUMENT, got %v", err)
	}
	if sess.callCalls != 2 {
		t.Fatalf("非法参数不应触发调用, callCalls=%d", sess.callCalls)
	}
}

func TestDescribeToolsSkipsUnreachableServer(t *testing.T) {
	sess := &fakeSession{}
	client := newTestClient(t, func(_ context.Context, cfg ServerConfig) (session, error) {
		if cfg.ID == "broken" {
			return nil, context.DeadlineExceeded
		}
		return sess, nil
	})

	servers := []ServerConfig{
		{Command: "demo-server", ID: "demo"},
		{URL: "http://localhost:9/mcp", ID: "broken"},
	}
	inventory := client.DescribeTools(context.Background(), servers)

	if !strings.Contains(inventory, "### demo") {
		t.Fatalf("清单缺少可用服务器: %q", inventory)
	}
	if !strings.Contains(inventory, "- search: 检索网页") || !strings.Contains(inventory, "- fetch") {
		t.Fatalf("工具条目不符: %q", inventory)
	}
	if strings.Contains(inventory, "broken") {
		t.Fatalf("失联服务器不应出现在清单里: %q", inventory)
	}
}

func TestRewriteLauncherKeepsNonNpx(t *testing.T) {
	command, args := rewriteLauncher("python3", []string{"-m", "server"})
	if command != "python3" || len(args) != 2 {
		t.Fatalf("非 npx 命令不应被改写: %s %v", command, args)
	}
}
