package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"OpenAgent-Core/internal/agent"
	"OpenAgent-Core/internal/conversation"
	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/internal/event"
	"OpenAgent-Core/internal/task"
	"OpenAgent-Core/pkg/logger"
)

// ConversationStore 在只读的 Store 之上补充创建能力，
// 运行管理器靠它登记新会话。
type ConversationStore interface {
	conversation.Store
	Put(conv *conversation.Conversation)
}

// Deps 是管理器创建每次运行所需的共享依赖。
type Deps struct {
	Planner       agent.Planner
	Executor      agent.Executor
	Summarizer    agent.Summarizer
	Conversations ConversationStore
	Repository    task.Repository
	Sink          event.Sink
	Logger        *slog.Logger
}

// run 是一次进行中或已结束的运行。
type run struct {
	agent  *agent.Agent
	tree   *task.Tree
	events *event.MemorySink

	mu      sync.Mutex
	active  bool
	lastErr error
}

// tryActivate 以检查加置位的原子动作占用运行权。
// 已有阶段在驱动同一个 agent 时返回 false。
func (r *run) tryActivate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return false
	}
	r.active = true
	r.lastErr = nil
	return true
}

// RunStatus 是对外暴露的运行视图。
type RunStatus struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Tasks        string                     `json:"tasks"`
	Events       []event.Event              `json:"events"`
	Active       bool                       `json:"active"`
	Error        string                     `json:"error,omitempty"`
}

// Manager 按会话管理运行实例。每次运行独享一棵任务树和一个事件
// 镜像，生命周期事件同时投递到共享的下游通道。
type Manager struct {
	rootCtx context.Context
	deps    Deps
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewManager 创建管理器。rootCtx 取消后新的运行不再被接受，
// 进行中的运行在下一个检查点停止。
func NewManager(rootCtx context.Context, deps Deps) *Manager {
	log := deps.Logger
	if log == nil {
		log = logger.Named("runtime")
	}
	return &Manager{
		rootCtx: rootCtx,
		deps:    deps,
		logger:  log,
		runs:    make(map[string]*run),
	}
}

// StartRun 登记新会话并异步启动一次运行，返回会话 ID。
func (m *Manager) StartRun(_ context.Context, goal string) (string, error) {
	if goal == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}

	id := uuid.NewString()
	m.deps.Conversations.Put(&conversation.Conversation{
		ID:    id,
		Goal:  goal,
		State: conversation.StateRunning,
	})

	events := event.NewMemorySink()
	tree := task.NewTree(id, m.deps.Repository)
	ag, err := agent.New(agent.Config{
		ConversationID: id,
		Planner:        m.deps.Planner,
		Executor:       m.deps.Executor,
		Summarizer:     m.deps.Summarizer,
		Tree:           tree,
		Conversations:  m.deps.Conversations,
		Sink:           event.NewFanout(m.deps.Sink, events),
	})
	if err != nil {
		return "", err
	}

	r := &run{agent: ag, tree: tree, events: events}
	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	r.tryActivate()
	m.launch(id, r, func(ctx context.Context) error {
		return ag.Run(ctx, goal)
	})
	return id, nil
}

// ContinueRun 恢复指定会话的运行。
func (m *Manager) ContinueRun(_ context.Context, id string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}

	if !r.tryActivate() {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行尚未结束，无法恢复")
	}
	m.launch(id, r, r.agent.Continue)
	return nil
}

// StopRun 请求停止指定会话的运行，在下一个检查点生效。
func (m *Manager) StopRun(ctx context.Context, id string, publish bool) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	r.agent.Stop(ctx, publish)
	return nil
}

// RunStatus 返回运行的当前视图。
func (m *Manager) RunStatus(ctx context.Context, id string) (RunStatus, error) {
	r, err := m.lookup(id)
	if err != nil {
		return RunStatus{}, err
	}

	conv, err := m.deps.Conversations.Get(ctx, id)
	if err != nil {
		return RunStatus{}, err
	}

	r.mu.Lock()
	active := r.active
	lastErr := r.lastErr
	r.mu.Unlock()

	status := RunStatus{
		Conversation: conv,
		Tasks:        r.tree.Describe(""),
		Events:       r.events.Events(),
		Active:       active,
	}
	if lastErr != nil {
		status.Error = lastErr.Error()
	}
	return status, nil
}

func (m *Manager) lookup(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "运行不存在")
	}
	return r, nil
}

// launch 在后台驱动一个生命周期阶段，结束后记录错误供状态查询。
// 调用方必须先通过 tryActivate 占用运行权。
func (m *Manager) launch(id string, r *run, phase func(context.Context) error) {
	go func() {
		err := phase(m.rootCtx)
		r.mu.Lock()
		r.active = false
		r.lastErr = err
		r.mu.Unlock()
		if err != nil {
			m.logger.Error("运行结束于错误", "conversation_id", id, "error", err)
		}
	}()
}
