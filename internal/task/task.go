package task

import (
	"strings"

	xerrors "OpenAgent-Core/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending           Status = "pending"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRevisePlan        Status = "revise_plan"
	StatusPauseForUserInput Status = "pause_for_user_input"
)

// Actionable 判断任务在该状态下是否仍需调度执行。
func (s Status) Actionable() bool {
	switch s {
	case StatusPending, StatusRevisePlan, StatusPauseForUserInput:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusRevisePlan, StatusPauseForUserInput:
		return true
	default:
		return false
	}
}

// Task 描述了任务树中的一个节点。根节点 Depth 为 1，每向下分解一层加 1。
type Task struct {
	ID          string  `json:"id"`
	Requirement string  `json:"requirement"`
	Status      Status  `json:"status"`
	ParentID    string  `json:"parent_id,omitempty"`
	Children    []*Task `json:"children,omitempty"`
	Content     string  `json:"content,omitempty"`
	Result      string  `json:"result,omitempty"`
	Comments    string  `json:"comments,omitempty"`
	Memorized   string  `json:"memorized,omitempty"`
	Depth       int     `json:"depth"`
}

// StatusDetails 携带状态变更时需要一并写入的结果字段。
// 指针为 nil 表示对应字段保持原值。
type StatusDetails struct {
	Content   *string
	Memorized *string
	Comments  *string
	Params    *ReviseParams
}

// ReviseMode 表示重新规划的模式。
type ReviseMode string

const (
	// ReviseDecompose 在既有任务下追加子任务。
	ReviseDecompose ReviseMode = "decompose"
	// ReviseOverwrite 以新的任务列表替换整棵任务树。
	ReviseOverwrite ReviseMode = "overwrite"
)

// ReviseParams 是 revise_plan 状态携带的重新规划参数。
type ReviseParams struct {
	Mode  ReviseMode    `json:"mode"`
	Tasks []PlannedTask `json:"tasks"`
}

// PlannedTask 是规划器产出的任务描述，入树前会被归一化。
type PlannedTask struct {
	ID          string `json:"id,omitempty"`
	Requirement string `json:"requirement"`
	Objective   string `json:"objective,omitempty"`
	Acceptance  string `json:"acceptance,omitempty"`
}

// NormalizeRequirement 将规划器的多字段描述拼装成一段需求文本。
func NormalizeRequirement(p PlannedTask) string {
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(p.Requirement))
	if objective := strings.TrimSpace(p.Objective); objective != "" {
		builder.WriteString("\n目标: ")
		builder.WriteString(objective)
	}
	if acceptance := strings.TrimSpace(p.Acceptance); acceptance != "" {
		builder.WriteString("\n验收: ")
		builder.WriteString(acceptance)
	}
	return builder.String()
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrInvalidStatus 表示传入了不支持的任务状态。
	ErrInvalidStatus = xerrors.New(CodeTaskValidation, "unsupported task status")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskSnapshot   xerrors.Code = "TASK_SNAPSHOT_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskSnapshot, xerrors.Attributes{
		Message:   "failed to persist task snapshot",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
