package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"OpenAgent-Core/internal/conversation"
	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/internal/event"
	"OpenAgent-Core/internal/task"
	"OpenAgent-Core/pkg/logger"
)

// Planner 把目标拆解成初始任务列表。
type Planner interface {
	Plan(ctx context.Context, goal string) ([]*task.Task, error)
}

// ExecutionContext 是执行单个任务时随任务下发的上下文。
type ExecutionContext struct {
	ConversationID string
	Goal           string
	// Progress 是当前任务树的渲染视图，注入模型上下文用。
	Progress string
}

// Executor 执行单个任务并返回带标签的结果。返回 error 表示执行
// 过程中的意外异常，区别于 ExecFailure 这种业务上的失败。
type Executor interface {
	Execute(ctx context.Context, tk *task.Task, ec ExecutionContext) (ExecutionResult, error)
}

// Summarizer 汇总整次运行的产出。
type Summarizer interface {
	Summarize(ctx context.Context, goal, conversationID string, tasks []*task.Task, files []string) (string, error)
}

// Config 是创建 Agent 所需的全部依赖。
type Config struct {
	ConversationID string
	Planner        Planner
	Executor       Executor
	Summarizer     Summarizer
	Tree           *task.Tree
	Conversations  conversation.Store
	Sink           event.Sink
	Logger         *slog.Logger
}

// Agent 驱动 setup、planning、executing、summarizing 的完整生命周期。
// 任务严格串行执行，停止标志只在阶段之间与任务之间检查，
// 不会打断进行中的外部调用。
type Agent struct {
	conversationID string
	goal           string

	planner       Planner
	executor      Executor
	summarizer    Summarizer
	tree          *task.Tree
	conversations conversation.Store
	sink          event.Sink
	logger        *slog.Logger

	isStop atomic.Bool
}

// New 校验依赖并创建 Agent。
func New(cfg Config) (*Agent, error) {
	if cfg.ConversationID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "conversation id 不能为空")
	}
	if cfg.Planner == nil || cfg.Executor == nil || cfg.Summarizer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "planner、executor、summarizer 均不能为空")
	}
	if cfg.Tree == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务树不能为空")
	}
	if cfg.Conversations == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话存储不能为空")
	}
	if cfg.Sink == nil {
		cfg.Sink = event.NewLogSink(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("agent")
	}
	return &Agent{
		conversationID: cfg.ConversationID,
		planner:        cfg.Planner,
		executor:       cfg.Executor,
		summarizer:     cfg.Summarizer,
		tree:           cfg.Tree,
		conversations:  cfg.Conversations,
		sink:           cfg.Sink,
		logger:         cfg.Logger,
	}, nil
}

// Stop 设置停止标志。publish 为真时额外发布一条 stop 事件。
// 进行中的任务执行不会被打断，标志在下一个检查点生效。
func (a *Agent) Stop(ctx context.Context, publish bool) {
	a.isStop.Store(true)
	if publish {
		a.emit(ctx, event.New(event.ActionStop, "stopped", "收到停止指令"))
	}
}

func (a *Agent) stopped() bool {
	return a.isStop.Load()
}

// Run 从目标出发完成一次完整运行。规划、执行与汇总的任何一步
// 失败都会把会话置为 failed 并返回错误；循环内的执行异常以
// FATAL_LOOP 错误返回给调用方，进程的去留由调用方决定。
func (a *Agent) Run(ctx context.Context, goal string) error {
	a.goal = goal
	a.isStop.Store(false)

	if err := a.conversations.SetState(ctx, a.conversationID, conversation.StateRunning); err != nil {
		return err
	}
	a.emit(ctx, event.New(event.ActionContinue, "running", "开始执行目标: "+goal))
	if a.stopped() {
		return a.terminate(ctx, conversation.StateStop)
	}

	tasks, err := a.planner.Plan(ctx, goal)
	if err != nil {
		return a.fail(ctx, xerrors.Wrap(xerrors.CodeUnknown, err, "规划目标失败"))
	}
	if err := a.tree.SetTasks(ctx, tasks); err != nil {
		return a.fail(ctx, err)
	}
	a.emit(ctx, event.New(event.ActionPlan, "completed", a.tree.Describe("")).WithJSON(tasks))
	if a.stopped() {
		return a.terminate(ctx, conversation.StateStop)
	}

	if err := a.runLoop(ctx); err != nil {
		return err
	}
	if a.stopped() {
		return nil
	}
	return a.summarize(ctx)
}

// Continue 恢复一次被暂停或中断的运行。任务树从持久化记录重建，
// 不再经过 setup 与 planning。没有可恢复任务时发布终态通知并结束。
func (a *Agent) Continue(ctx context.Context) error {
	a.isStop.Store(false)

	conv, err := a.conversations.Get(ctx, a.conversationID)
	if err != nil {
		return err
	}
	a.goal = conv.Goal

	tasks, err := a.tree.LoadTasks(ctx, a.conversationID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		a.emit(ctx, event.New(event.ActionStop, "done", "没有可恢复的任务"))
		return a.conversations.SetState(ctx, a.conversationID, conversation.StateDone)
	}

	if err := a.conversations.SetState(ctx, a.conversationID, conversation.StateRunning); err != nil {
		return err
	}
	a.emit(ctx, event.New(event.ActionContinue, "running", "恢复执行目标: "+a.goal))

	if err := a.runLoop(ctx); err != nil {
		return err
	}
	if a.stopped() {
		return nil
	}
	return a.summarize(ctx)
}

// runLoop 逐个取出待执行任务并分发给执行器，直到树上再无可执行
// 节点。failure 与 pause 终止循环，revise_plan 原地继续，其余情况
// 记为 completed 并刷新进度快照。执行器抛出的异常会被包装成
// FATAL_LOOP 错误返回，绝不在循环内退出进程。
func (a *Agent) runLoop(ctx context.Context) error {
	for {
		if a.stopped() {
			return nil
		}
		current := a.tree.ResolvePendingTask()
		if current == nil {
			return nil
		}

		ec := ExecutionContext{
			ConversationID: a.conversationID,
			Goal:           a.goal,
			Progress:       a.tree.Describe(current.ID),
		}
		result, err := a.executor.Execute(ctx, current, ec)
		if err != nil {
			message := err.Error()
			_ = a.tree.UpdateTaskStatus(ctx, current.ID, task.StatusFailed, task.StatusDetails{
				Comments: &message,
			})
			a.emit(ctx, event.New(event.ActionError, "failed", message).WithTask(current.ID))
			_ = a.conversations.SetState(ctx, a.conversationID, conversation.StateFailed)
			a.isStop.Store(true)
			return xerrors.Wrap(xerrors.CodeFatalLoop, err,
				fmt.Sprintf("任务 %s 执行异常，运行终止", current.ID))
		}
		if err := result.Validate(); err != nil {
			a.logger.Warn("执行器返回未知标签，按失败处理", "task_id", current.ID, "status", result.Status)
			result = ExecutionResult{Status: ExecFailure, Comments: err.Error()}
		}

		switch result.Status {
		case ExecFailure:
			_ = a.tree.UpdateTaskStatus(ctx, current.ID, task.StatusFailed, task.StatusDetails{
				Comments: &result.Comments,
			})
			a.emit(ctx, event.New(event.ActionError, "failed", result.Comments).WithTask(current.ID))
			terminal := conversation.StateFailed
			if result.QuotaExhausted() {
				terminal = conversation.StateStop
			}
			_ = a.conversations.SetState(ctx, a.conversationID, terminal)
			a.Stop(ctx, true)
			return nil

		case ExecPauseForUserInput:
			_ = a.tree.UpdateTaskStatus(ctx, current.ID, task.StatusPauseForUserInput, task.StatusDetails{
				Comments: &result.Comments,
			})
			a.emit(ctx, event.New(event.ActionTask, "pause_for_user_input", result.Comments).WithTask(current.ID))
			_ = a.conversations.SetState(ctx, a.conversationID, conversation.StateStop)
			a.Stop(ctx, false)
			return nil

		case ExecRevisePlan:
			if err := a.tree.UpdateTaskStatus(ctx, current.ID, task.StatusRevisePlan, task.StatusDetails{
				Params: result.Params,
			}); err != nil {
				return a.fail(ctx, err)
			}
			a.emit(ctx, event.New(event.ActionPlan, "revised", a.tree.Describe("")).WithTask(current.ID))

		default:
			if err := a.tree.UpdateTaskStatus(ctx, current.ID, task.StatusCompleted, task.StatusDetails{
				Content:   &result.Content,
				Memorized: &result.Memorized,
			}); err != nil {
				return a.fail(ctx, err)
			}
			if len(result.GeneratedFiles) > 0 {
				if err := a.conversations.AppendFiles(ctx, a.conversationID, result.GeneratedFiles); err != nil {
					a.logger.Warn("记录生成文件失败", "task_id", current.ID, "error", err)
				}
			}
			snapshot := a.tree.Describe("")
			a.emit(ctx, event.New(event.ActionTask, "completed", snapshot).WithTask(current.ID))
		}
	}
}

// summarize 聚合任务产出与生成文件，交给汇总器生成最终结论。
func (a *Agent) summarize(ctx context.Context) error {
	conv, err := a.conversations.Get(ctx, a.conversationID)
	if err != nil {
		return a.fail(ctx, err)
	}

	summary, err := a.summarizer.Summarize(ctx, a.goal, a.conversationID, a.tree.Roots(), conv.GeneratedFiles)
	if err != nil {
		return a.fail(ctx, xerrors.Wrap(xerrors.CodeUnknown, err, "汇总运行结果失败"))
	}

	a.emit(ctx, event.New(event.ActionFinishSummery, "done", summary))
	return a.conversations.SetState(ctx, a.conversationID, conversation.StateDone)
}

// fail 把会话置为 failed 并透传错误。
func (a *Agent) fail(ctx context.Context, err error) error {
	a.emit(ctx, event.New(event.ActionError, "failed", err.Error()))
	if stateErr := a.conversations.SetState(ctx, a.conversationID, conversation.StateFailed); stateErr != nil {
		a.logger.Error("更新会话终态失败", "error", stateErr)
	}
	return err
}

// terminate 以给定终态结束运行，不视为错误。
func (a *Agent) terminate(ctx context.Context, state conversation.State) error {
	a.emit(ctx, event.New(event.ActionStop, string(state), "运行在检查点停止"))
	return a.conversations.SetState(ctx, a.conversationID, state)
}

// emit 发布事件，失败只记日志不阻断运行。
func (a *Agent) emit(ctx context.Context, ev event.Event) {
	if err := a.sink.Emit(ctx, ev); err != nil {
		a.logger.Warn("发布事件失败", "action", ev.ActionType, "error", err)
	}
}
