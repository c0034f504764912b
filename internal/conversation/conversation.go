package conversation

import (
	"context"
	"sync"

	xerrors "OpenAgent-Core/internal/errors"
)

// State 表示会话的终态或进行中状态。
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	// StateStop 表示按策略可恢复的停止，例如配额耗尽，区别于 failed。
	StateStop State = "stop"
)

// Conversation 是编排器运行期间引用的外部会话记录。
type Conversation struct {
	ID             string   `json:"id"`
	Goal           string   `json:"goal"`
	State          State    `json:"state"`
	GeneratedFiles []string `json:"generated_files,omitempty"`
}

// Store 抽象了会话记录的读写。持久化方案由宿主系统提供，核心只依赖
// 这几个操作。
type Store interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	SetState(ctx context.Context, id string, state State) error
	AppendFiles(ctx context.Context, id string, files []string) error
}

// ErrConversationNotFound 表示指定会话不存在。
var ErrConversationNotFound = xerrors.New(xerrors.CodeNotFound, "conversation not found")

// MemoryStore 以内存方式保存会话记录，用于测试与单机开发。
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*Conversation)}
}

// Put 写入或覆盖一条会话记录。
func (m *MemoryStore) Put(conv *Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *conv
	clone.GeneratedFiles = append([]string(nil), conv.GeneratedFiles...)
	m.conversations[conv.ID] = &clone
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	clone := *conv
	clone.GeneratedFiles = append([]string(nil), conv.GeneratedFiles...)
	return &clone, nil
}

// SetState 实现 Store 接口。
func (m *MemoryStore) SetState(_ context.Context, id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.State = state
	return nil
}

// AppendFiles 实现 Store 接口。
func (m *MemoryStore) AppendFiles(_ context.Context, id string, files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.GeneratedFiles = append(conv.GeneratedFiles, files...)
	return nil
}

var _ Store = (*MemoryStore)(nil)
