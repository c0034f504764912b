package task

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestTree(t *testing.T) (*Tree, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	base := time.Unix(1700000000, 0)
	tree := NewTree("conv-1", repo, WithClock(func() time.Time { return base }))
	return tree, repo
}

func TestSetTasksAssignsDefaults(t *testing.T) {
	tree, repo := newTestTree(t)

	tasks := []*Task{
		{Requirement: "调研现有实现"},
		{Requirement: "编写迁移方案", Children: []*Task{
			{Requirement: "整理依赖清单"},
		}},
	}
	if err := tree.SetTasks(context.Background(), tasks); err != nil {
		t.Fatalf("SetTasks 失败: %v", err)
	}

	seen := make(map[string]bool)
	var check func(list []*Task, depth int)
	check = func(list []*Task, depth int) {
		for _, tk := range list {
			if tk.ID == "" {
				t.Fatalf("任务缺少 ID: %+v", tk)
			}
			if seen[tk.ID] {
				t.Fatalf("任务 ID 重复: %s", tk.ID)
			}
			seen[tk.ID] = true
			if tk.Status != StatusPending {
				t.Fatalf("expected pending, got %s", tk.Status)
			}
			if tk.Depth != depth {
				t.Fatalf("depth mismatch for %s: got %d want %d", tk.ID, tk.Depth, depth)
			}
			check(tk.Children, depth+1)
		}
	}
	check(tasks, 1)

	records, err := repo.ListByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 snapshot rows, got %d", len(records))
	}
	if records[2].ParentID != tasks[1].ID {
		t.Fatalf("子任务未记录父链接: %+v", records[2])
	}
}

func TestResolvePendingTaskChildrenFirst(t *testing.T) {
	tree, _ := newTestTree(t)

	tasks := []*Task{
		{ID: "r1", Requirement: "根任务一", Status: StatusCompleted},
		{ID: "r2", Requirement: "根任务二", Status: StatusRevisePlan, Children: []*Task{
			{ID: "c1", Requirement: "子任务一", Status: StatusCompleted},
			{ID: "c2", Requirement: "子任务二"},
		}},
		{ID: "r3", Requirement: "根任务三"},
	}
	if err := tree.SetTasks(context.Background(), tasks); err != nil {
		t.Fatalf("SetTasks 失败: %v", err)
	}

	next := tree.ResolvePendingTask()
	if next == nil || next.ID != "c2" {
		t.Fatalf("expected c2, got %+v", next)
	}

	// 子任务全部终结后，revise_plan 的父任务不再被返回。
	if err := tree.UpdateTaskStatus(context.Background(), "c2", StatusCompleted, StatusDetails{}); err != nil {
		t.Fatalf("更新状态失败: %v", err)
	}
	next = tree.ResolvePendingTask()
	if next == nil || next.ID != "r3" {
		t.Fatalf("expected r3, got %+v", next)
	}

	if err := tree.UpdateTaskStatus(context.Background(), "r3", StatusFailed, StatusDetails{}); err != nil {
		t.Fatalf("更新状态失败: %v", err)
	}
	if next = tree.ResolvePendingTask(); next != nil {
		t.Fatalf("expected no actionable task, got %s", next.ID)
	}
}

func TestRevisePlanOverwritePreservesCompleted(t *testing.T) {
	tree, _ := newTestTree(t)

	tasks := []*Task{
		{ID: "keep", Requirement: "已完成的工作", Status: StatusCompleted, Content: "产出", Result: "结论"},
		{ID: "drop", Requirement: "被替换的工作"},
	}
	if err := tree.SetTasks(context.Background(), tasks); err != nil {
		t.Fatalf("SetTasks 失败: %v", err)
	}

	err := tree.RevisePlan(context.Background(), "", ReviseParams{
		Mode: ReviseOverwrite,
		Tasks: []PlannedTask{
			{ID: "keep", Requirement: "已完成的工作"},
			{Requirement: "新增工作"},
		},
	})
	if err != nil {
		t.Fatalf("overwrite 失败: %v", err)
	}

	roots := tree.Roots()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if roots[0].Status != StatusCompleted {
		t.Fatalf("已完成任务的状态未保留: %s", roots[0].Status)
	}
	if roots[0].Content != "产出" || roots[0].Result != "结论" {
		t.Fatalf("已完成任务的产出未延续: %+v", roots[0])
	}
	if roots[1].Status != StatusPending {
		t.Fatalf("新任务应默认 pending, got %s", roots[1].Status)
	}
}

func TestUpdateTaskStatusTriggersDecompose(t *testing.T) {
	tree, repo := newTestTree(t)

	if err := tree.SetTasks(context.Background(), []*Task{{ID: "root", Requirement: "复杂任务"}}); err != nil {
		t.Fatalf("SetTasks 失败: %v", err)
	}

	err := tree.UpdateTaskStatus(context.Background(), "root", StatusRevisePlan, StatusDetails{
		Params: &ReviseParams{
			Mode: ReviseDecompose,
			Tasks: []PlannedTask{
				{Requirement: "第一步", Objective: "完成准备"},
				{Requirement: "第二步"},
			},
		},
	})
	if err != nil {
		t.Fatalf("更新状态失败: %v", err)
	}

	roots := tree.Roots()
	if roots[0].Status != StatusRevisePlan {
		t.Fatalf("decompose 应保留 revise_plan 状态, got %s", roots[0].Status)
	}
	if len(roots[0].Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(roots[0].Children))
	}
	child := roots[0].Children[0]
	if child.Depth != 2 || child.ParentID != "root" || child.Status != StatusPending {
		t.Fatalf("子任务归一化不正确: %+v", child)
	}
	if !strings.Contains(child.Requirement, "目标: 完成准备") {
		t.Fatalf("多字段需求未归一化: %q", child.Requirement)
	}

	records, _ := repo.ListByConversation(context.Background(), "conv-1")
	if len(records) != 3 {
		t.Fatalf("decompose 应追加 2 行快照, got %d rows", len(records))
	}
}

func TestLoadTasksRoundTrip(t *testing.T) {
	tree, repo := newTestTree(t)

	tasks := []*Task{
		{ID: "a", Requirement: "任务 A"},
		{ID: "b", Requirement: "任务 B", Children: []*Task{
			{ID: "b1", Requirement: "任务 B1"},
		}},
	}
	if err := tree.SetTasks(context.Background(), tasks); err != nil {
		t.Fatalf("SetTasks 失败: %v", err)
	}
	if err := tree.UpdateTaskStatus(context.Background(), "a", StatusCompleted, StatusDetails{}); err != nil {
		t.Fatalf("更新状态失败: %v", err)
	}

	reloaded := NewTree("conv-1", repo)
	roots, err := reloaded.LoadTasks(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("LoadTasks 失败: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if roots[0].ID != "a" || roots[0].Status != StatusCompleted {
		t.Fatalf("任务 a 状态未还原: %+v", roots[0])
	}
	if len(roots[1].Children) != 1 || roots[1].Children[0].ID != "b1" {
		t.Fatalf("父子关系未还原: %+v", roots[1])
	}
	if roots[1].Children[0].Depth != 2 {
		t.Fatalf("depth 未还原: %d", roots[1].Children[0].Depth)
	}
}

func TestLoadTasksPromotesOrphans(t *testing.T) {
	repo := NewMemoryRepository()
	records := []Record{
		{ConversationID: "conv-1", TaskID: "x", Requirement: "孤儿任务", Status: StatusPending, ParentID: "ghost", Depth: 2},
	}
	if err := repo.Insert(context.Background(), records); err != nil {
		t.Fatalf("插入记录失败: %v", err)
	}

	tree := NewTree("conv-1", repo)
	roots, err := tree.LoadTasks(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("LoadTasks 失败: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != "x" {
		t.Fatalf("孤儿任务应被提升为根任务: %+v", roots)
	}
	if roots[0].ParentID != "" {
		t.Fatalf("提升后应清除父链接: %+v", roots[0])
	}
}

func TestLoadTasksWithoutConversationID(t *testing.T) {
	tree := NewTree("", NewMemoryRepository())
	roots, err := tree.LoadTasks(context.Background(), "")
	if err != nil {
		t.Fatalf("缺少会话 ID 应按可恢复处理: %v", err)
	}
	if len(roots) != 0 {
		t.Fatalf("expected empty tree, got %d roots", len(roots))
	}
}

func TestUpdateTaskStatusUnknownTask(t *testing.T) {
	tree, _ := newTestTree(t)
	if err := tree.UpdateTaskStatus(context.Background(), "missing", StatusCompleted, StatusDetails{}); err != nil {
		t.Fatalf("未知任务应按无操作处理: %v", err)
	}
}

func TestDescribeRendersStatusView(t *testing.T) {
	tree, _ := newTestTree(t)
	tasks := []*Task{
		{ID: "a", Requirement: "第一项\n补充说明", Status: StatusCompleted},
		{ID: "b", Requirement: "第二项", Children: []*Task{
			{ID: "b1", Requirement: "子项"},
		}},
	}
	if err := tree.SetTasks(context.Background(), tasks); err != nil {
		t.Fatalf("SetTasks 失败: %v", err)
	}

	text := tree.Describe("b1")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), text)
	}
	if !strings.HasPrefix(lines[0], "- [completed] a 第一项") {
		t.Fatalf("完成状态渲染不正确: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "- [paused] b") {
		t.Fatalf("暂停状态渲染不正确: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "  - [current] b1") {
		t.Fatalf("当前节点渲染不正确: %q", lines[2])
	}
}
