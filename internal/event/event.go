package event

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ActionType 标识一次运行事件的类别。
type ActionType string

const (
	ActionPlan          ActionType = "plan"
	ActionTask          ActionType = "task"
	ActionError         ActionType = "error"
	ActionStop          ActionType = "stop"
	ActionContinue      ActionType = "continue"
	ActionFinishSummery ActionType = "finish_summery"
)

// Event 是编排器对外发布的生命周期事件，同时镜像到消息存储，
// 保证客户端总能解释执行为何停止。
type Event struct {
	UUID       string     `json:"uuid"`
	ActionType ActionType `json:"action_type"`
	Status     string     `json:"status"`
	Content    string     `json:"content,omitempty"`
	JSON       string     `json:"json,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Filepath   string     `json:"filepath,omitempty"`
}

// New 构造带 UUID 的事件。
func New(action ActionType, status, content string) Event {
	return Event{
		UUID:       uuid.NewString(),
		ActionType: action,
		Status:     status,
		Content:    content,
	}
}

// WithTask 返回绑定了任务 ID 的副本。
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// WithJSON 把结构化负载序列化后附加到事件上。编码失败时负载留空，
// 事件本身仍会发布。
func (e Event) WithJSON(payload any) Event {
	if payload == nil {
		return e
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return e
	}
	e.JSON = string(encoded)
	return e
}

// Sink 接收生命周期事件。实现必须容忍重复投递。
type Sink interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}
