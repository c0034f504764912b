package agent

import (
	"fmt"

	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/internal/task"
)

// ExecutionStatus 是执行器返回结果的标签，取值是封闭的枚举。
type ExecutionStatus string

const (
	ExecSuccess           ExecutionStatus = "success"
	ExecFailure           ExecutionStatus = "failure"
	ExecPauseForUserInput ExecutionStatus = "pause_for_user_input"
	ExecRevisePlan        ExecutionStatus = "revise_plan"
)

// ReasonQuotaExhausted 标记因模型配额耗尽导致的失败。携带该原因的
// 失败会把会话终态置为 stop 而不是 failed，表示按策略可恢复。
const ReasonQuotaExhausted = "quota_exhausted"

// ExecutionResult 是执行器对单个任务的产出。除 Status 外的字段
// 按标签选用：failure 看 Comments 与 Reason，pause 看 Comments，
// revise_plan 看 Params，success 看 Content 与 Memorized。
type ExecutionResult struct {
	Status         ExecutionStatus    `json:"status"`
	Content        string             `json:"content,omitempty"`
	Comments       string             `json:"comments,omitempty"`
	Memorized      string             `json:"memorized,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Params         *task.ReviseParams `json:"params,omitempty"`
	GeneratedFiles []string           `json:"generated_files,omitempty"`
}

// Validate 拒绝枚举之外的标签。未知标签按可恢复失败处理，
// 不允许静默落入完成分支。
func (r ExecutionResult) Validate() error {
	switch r.Status {
	case ExecSuccess, ExecFailure, ExecPauseForUserInput, ExecRevisePlan:
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的执行结果标签: %q", r.Status))
	}
}

// QuotaExhausted 判断该结果是否为配额耗尽失败。
func (r ExecutionResult) QuotaExhausted() bool {
	return r.Status == ExecFailure && r.Reason == ReasonQuotaExhausted
}
