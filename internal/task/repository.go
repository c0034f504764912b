package task

import "context"

// Record 是任务在持久层的扁平表示，父子关系通过 ParentID 记录。
type Record struct {
	ConversationID string
	TaskID         string
	Requirement    string
	Status         Status
	ParentID       string
	Content        string
	Memorized      string
	Comments       string
	Depth          int
}

// Repository 抽象了任务快照的持久化接口。记录按插入顺序读取，
// 任务树依赖该顺序完成重建。
type Repository interface {
	Insert(ctx context.Context, records []Record) error
	Update(ctx context.Context, taskID string, status Status, content, memorized, comments *string) error
	ListByConversation(ctx context.Context, conversationID string) ([]Record, error)
	Close() error
}
