package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"OpenAgent-Core/pkg/logger"
)

// Tree 维护单个会话的任务树，并把每次变更同步到持久层。
// 编排器串行驱动任务执行，但 API 层可能并发读取，因此内部加锁。
type Tree struct {
	mu             sync.Mutex
	conversationID string
	repo           Repository
	logger         *slog.Logger

	roots []*Task
	seq   int64
	now   func() time.Time
}

// TreeOption 定义可选配置。
type TreeOption func(*Tree)

// WithTreeLogger 指定日志输出。
func WithTreeLogger(l *slog.Logger) TreeOption {
	return func(t *Tree) {
		t.logger = l
	}
}

// WithClock 覆盖时间来源，用于测试中生成可预测的任务 ID。
func WithClock(now func() time.Time) TreeOption {
	return func(t *Tree) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTree 构造指定会话的任务树。
func NewTree(conversationID string, repo Repository, opts ...TreeOption) *Tree {
	t := &Tree{
		conversationID: conversationID,
		repo:           repo,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.logger == nil {
		t.logger = logger.Named("task")
	}
	return t
}

// nextID 生成 <epoch>_<seq> 形式的任务 ID，会话内唯一。
func (t *Tree) nextID() string {
	t.seq++
	return fmt.Sprintf("%d_%d", t.now().Unix(), t.seq)
}

// SetTasks 归一化传入的任务并替换整棵任务树，随后持久化一份扁平快照。
// 缺失的 ID 会被补齐，缺失的状态默认 pending。
func (t *Tree) SetTasks(ctx context.Context, tasks []*Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, root := range tasks {
		t.normalize(root, "", 1)
	}
	t.roots = tasks
	return t.persistSnapshot(ctx, flatten(t.conversationID, tasks))
}

// normalize 递归补齐 ID、状态、深度与父链接。
func (t *Tree) normalize(tk *Task, parentID string, depth int) {
	if tk == nil {
		return
	}
	if strings.TrimSpace(tk.ID) == "" {
		tk.ID = t.nextID()
	}
	if tk.Status == "" {
		tk.Status = StatusPending
	}
	tk.ParentID = parentID
	tk.Depth = depth
	for _, child := range tk.Children {
		t.normalize(child, tk.ID, depth+1)
	}
}

func flatten(conversationID string, tasks []*Task) []Record {
	var records []Record
	var walk func([]*Task)
	walk = func(list []*Task) {
		for _, tk := range list {
			records = append(records, Record{
				ConversationID: conversationID,
				TaskID:         tk.ID,
				Requirement:    tk.Requirement,
				Status:         tk.Status,
				ParentID:       tk.ParentID,
				Content:        tk.Content,
				Memorized:      tk.Memorized,
				Comments:       tk.Comments,
				Depth:          tk.Depth,
			})
			walk(tk.Children)
		}
	}
	walk(tasks)
	return records
}

func (t *Tree) persistSnapshot(ctx context.Context, records []Record) error {
	if t.repo == nil || len(records) == 0 {
		return nil
	}
	if err := t.repo.Insert(ctx, records); err != nil {
		return err
	}
	return nil
}

// LoadTasks 从持久层按插入顺序重建任务树并替换内存中的根列表。
// 父节点缺失的记录会被提升为根任务并记录告警，保证每条记录都出现在结果里。
func (t *Tree) LoadTasks(ctx context.Context, conversationID string) ([]*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.TrimSpace(conversationID) == "" {
		conversationID = t.conversationID
	}
	if strings.TrimSpace(conversationID) == "" {
		t.logger.Warn("加载任务缺少会话 ID，返回空任务树")
		t.roots = nil
		return nil, nil
	}
	if t.repo == nil {
		return nil, nil
	}

	records, err := t.repo.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Task, len(records))
	ordered := make([]*Task, 0, len(records))
	for _, record := range records {
		node := &Task{
			ID:          record.TaskID,
			Requirement: record.Requirement,
			Status:      record.Status,
			ParentID:    record.ParentID,
			Content:     record.Content,
			Memorized:   record.Memorized,
			Comments:    record.Comments,
			Depth:       record.Depth,
		}
		byID[node.ID] = node
		ordered = append(ordered, node)
	}

	var roots []*Task
	for _, node := range ordered {
		if node.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := byID[node.ParentID]
		if !ok {
			t.logger.Warn("任务父节点缺失，提升为根任务",
				slog.String("task_id", node.ID),
				slog.String("parent_id", node.ParentID),
			)
			node.ParentID = ""
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	t.conversationID = conversationID
	t.roots = roots
	return roots, nil
}

// ResolvePendingTask 按深度优先的先序遍历返回下一个待执行任务。
// 子任务优先于其父任务；子任务全部终结的父任务视为已消化，不再返回。
// 没有可执行任务时返回 nil，表示执行循环可以正常结束。
func (t *Tree) ResolvePendingTask() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return resolveFrom(t.roots)
}

func resolveFrom(tasks []*Task) *Task {
	for _, tk := range tasks {
		if !tk.Status.Actionable() {
			continue
		}
		if len(tk.Children) > 0 {
			if next := resolveFrom(tk.Children); next != nil {
				return next
			}
			continue
		}
		return tk
	}
	return nil
}

// UpdateTaskStatus 定位任务（根任务及其直接子任务），覆盖状态与结果字段并持久化。
// 若新状态为 revise_plan 且携带了参数，则在状态写入之后触发重新规划。
// 任务不存在时记录告警并按无操作处理。
func (t *Tree) UpdateTaskStatus(ctx context.Context, id string, status Status, details StatusDetails) error {
	if !IsValidStatus(status) {
		return ErrInvalidStatus
	}

	t.mu.Lock()
	target := t.findShallow(id)
	if target == nil {
		t.mu.Unlock()
		t.logger.Warn("更新状态时未找到任务", slog.String("task_id", id), slog.String("status", string(status)))
		return nil
	}

	target.Status = status
	if details.Content != nil {
		target.Content = *details.Content
	}
	if details.Memorized != nil {
		target.Memorized = *details.Memorized
	}
	if details.Comments != nil {
		target.Comments = *details.Comments
	}
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.Update(ctx, id, status, details.Content, details.Memorized, details.Comments); err != nil {
			return err
		}
	}

	if status == StatusRevisePlan && details.Params != nil {
		return t.RevisePlan(ctx, id, *details.Params)
	}
	return nil
}

// findShallow 在根任务及其直接子任务中查找。调用方需持有锁。
func (t *Tree) findShallow(id string) *Task {
	for _, root := range t.roots {
		if root.ID == id {
			return root
		}
		for _, child := range root.Children {
			if child.ID == id {
				return child
			}
		}
	}
	return nil
}

// findDeep 在整棵树中查找。调用方需持有锁。
func findDeep(tasks []*Task, id string) *Task {
	for _, tk := range tasks {
		if tk.ID == id {
			return tk
		}
		if found := findDeep(tk.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// RevisePlan 按参数调整任务树。
//
// decompose 模式在目标任务下追加归一化后的子任务并持久化新行；
// overwrite 模式用新列表替换整棵树，与先前已完成的根任务同名（同 ID）的
// 新任务保留 completed 状态以延续产出，其余默认 pending。overwrite 不做
// 增量持久化，调用方应视作一次完整的重新播种。
func (t *Tree) RevisePlan(ctx context.Context, id string, params ReviseParams) error {
	switch params.Mode {
	case ReviseDecompose:
		return t.decompose(ctx, id, params.Tasks)
	case ReviseOverwrite:
		t.overwrite(params.Tasks)
		return nil
	default:
		return ErrInvalidStatus
	}
}

func (t *Tree) decompose(ctx context.Context, id string, planned []PlannedTask) error {
	t.mu.Lock()
	parent := findDeep(t.roots, id)
	if parent == nil {
		t.mu.Unlock()
		t.logger.Warn("分解目标任务不存在", slog.String("task_id", id))
		return nil
	}

	added := make([]*Task, 0, len(planned))
	for _, p := range planned {
		child := &Task{
			ID:          strings.TrimSpace(p.ID),
			Requirement: NormalizeRequirement(p),
			Status:      StatusPending,
			ParentID:    parent.ID,
			Depth:       parent.Depth + 1,
		}
		if child.ID == "" {
			child.ID = t.nextID()
		}
		parent.Children = append(parent.Children, child)
		added = append(added, child)
	}
	records := flatten(t.conversationID, added)
	t.mu.Unlock()

	return t.persistSnapshot(ctx, records)
}

func (t *Tree) overwrite(planned []PlannedTask) {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed := make(map[string]*Task)
	for _, root := range t.roots {
		if root.Status == StatusCompleted {
			completed[root.ID] = root
		}
	}

	roots := make([]*Task, 0, len(planned))
	for _, p := range planned {
		node := &Task{
			ID:          strings.TrimSpace(p.ID),
			Requirement: NormalizeRequirement(p),
			Status:      StatusPending,
			Depth:       1,
		}
		if node.ID == "" {
			node.ID = t.nextID()
		}
		if prev, ok := completed[node.ID]; ok {
			node.Status = StatusCompleted
			node.Content = prev.Content
			node.Result = prev.Result
			node.Memorized = prev.Memorized
		}
		roots = append(roots, node)
	}
	t.roots = roots
}

// Roots 返回当前根任务列表（调用方只读）。
func (t *Tree) Roots() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roots
}

// Describe 把任务树渲染为嵌套文本，供注入模型上下文。
// 节点状态是渲染时计算的视图：与 currentID 匹配的节点标记 current，
// 已完成的标记 completed，其余一律 paused。
func (t *Tree) Describe(currentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var builder strings.Builder
	var walk func(tasks []*Task, indent string)
	walk = func(tasks []*Task, indent string) {
		for _, tk := range tasks {
			builder.WriteString(indent)
			builder.WriteString(fmt.Sprintf("- [%s] %s %s\n", renderStatus(tk, currentID), tk.ID, firstLine(tk.Requirement)))
			walk(tk.Children, indent+"  ")
		}
	}
	walk(t.roots, "")
	return builder.String()
}

func renderStatus(tk *Task, currentID string) string {
	switch {
	case tk.ID == currentID:
		return "current"
	case tk.Status == StatusCompleted:
		return "completed"
	default:
		return "paused"
	}
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
