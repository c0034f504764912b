package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenAgent-Core/internal/agent"
	"OpenAgent-Core/internal/conversation"
	"OpenAgent-Core/internal/event"
	"OpenAgent-Core/internal/runtime"
	"OpenAgent-Core/internal/task"
)

type echoPlanner struct{}

func (echoPlanner) Plan(_ context.Context, goal string) ([]*task.Task, error) {
	return []*task.Task{{Requirement: goal}}, nil
}

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, tk *task.Task, _ agent.ExecutionContext) (agent.ExecutionResult, error) {
	return agent.ExecutionResult{Status: agent.ExecSuccess, Content: "完成: " + tk.Requirement}, nil
}

type echoSummarizer struct{}

func (echoSummarizer) Summarize(_ context.Context, goal, _ string, _ []*task.Task, _ []string) (string, error) {
	return "已完成目标: " + goal, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	manager := runtime.NewManager(context.Background(), runtime.Deps{
		Planner:       echoPlanner{},
		Executor:      echoExecutor{},
		Summarizer:    echoSummarizer{},
		Conversations: conversation.NewMemoryStore(),
		Repository:    task.NewMemoryRepository(),
		Sink:          event.NewMemorySink(),
	})
	server := httptest.NewServer(NewServer("", manager).routes())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("序列化请求失败: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	return resp
}

func waitForIdle(t *testing.T, base, id string) runtime.RunStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/api/v1/runs/" + id)
		if err != nil {
			t.Fatalf("查询状态失败: %v", err)
		}
		var status runtime.RunStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("解析状态失败: %v", err)
		}
		resp.Body.Close()
		if !status.Active {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatal("等待运行结束超时")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRunLifecycle(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/runs", map[string]string{"goal": "整理文档"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("启动运行应返回 202, got %d", resp.StatusCode)
	}
	var started struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	resp.Body.Close()
	if started.ConversationID == "" {
		t.Fatal("应返回会话 ID")
	}

	status := waitForIdle(t, server.URL, started.ConversationID)
	if status.Conversation.State != conversation.StateDone {
		t.Fatalf("运行终态应为 done, got %s", status.Conversation.State)
	}
	if !strings.Contains(status.Tasks, "completed") {
		t.Fatalf("任务视图应包含完成状态: %q", status.Tasks)
	}
	if len(status.Events) == 0 {
		t.Fatal("应记录生命周期事件")
	}
}

func TestStartRunRejectsEmptyGoal(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/runs", map[string]string{"goal": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("空目标应返回 400, got %d", resp.StatusCode)
	}
}

func TestRunStatusUnknownID(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/runs/no-such-run")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未知运行应返回 404, got %d", resp.StatusCode)
	}
}
