package task

import (
	"context"
	"sync"

	xerrors "OpenAgent-Core/internal/errors"
)

// MemoryRepository 以内存方式保存任务快照，主要用于测试与单机开发。
// 记录只追加不删除，保留被替换计划的历史行。
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryRepository 创建 MemoryRepository。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Insert 实现 Repository 接口。
func (m *MemoryRepository) Insert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		if record.TaskID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
		}
		m.records = append(m.records, record)
	}
	return nil
}

// Update 覆盖指定任务最近一条记录的状态与结果字段。
func (m *MemoryRepository) Update(_ context.Context, taskID string, status Status, content, memorized, comments *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].TaskID != taskID {
			continue
		}
		m.records[i].Status = status
		if content != nil {
			m.records[i].Content = *content
		}
		if memorized != nil {
			m.records[i].Memorized = *memorized
		}
		if comments != nil {
			m.records[i].Comments = *comments
		}
		return nil
	}
	return ErrTaskNotFound
}

// ListByConversation 按插入顺序返回指定会话的全部记录。
func (m *MemoryRepository) ListByConversation(_ context.Context, conversationID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []Record
	for _, record := range m.records {
		if record.ConversationID == conversationID {
			results = append(results, record)
		}
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryRepository) Close() error {
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
