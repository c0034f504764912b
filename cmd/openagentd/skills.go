package main

import (
	"context"
	"fmt"
	"strings"

	"OpenAgent-Core/internal/agent"
	xerrors "OpenAgent-Core/internal/errors"
	"OpenAgent-Core/internal/llm"
	"OpenAgent-Core/internal/mcp"
	"OpenAgent-Core/internal/task"
)

// 守护进程内置的最小技能实现。没有外接技能模块时，
// 规划退化为单任务，执行与汇总直接走补全调用。

type singleTaskPlanner struct{}

func (singleTaskPlanner) Plan(_ context.Context, goal string) ([]*task.Task, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}
	return []*task.Task{{Requirement: goal}}, nil
}

type completionExecutor struct {
	llm     llm.Client
	options llm.Options
	tools   *mcp.Client
	servers []mcp.ServerConfig
}

func (e *completionExecutor) Execute(ctx context.Context, tk *task.Task, ec agent.ExecutionContext) (agent.ExecutionResult, error) {
	system := "你是一个严谨的任务执行助手，聚焦完成当前任务并给出结论。"
	if e.tools != nil && len(e.servers) > 0 {
		if inventory := e.tools.DescribeTools(ctx, e.servers); inventory != "" {
			system += "\n\n可调用的外部工具:\n" + inventory
		}
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: fmt.Sprintf("总体目标:\n%s\n\n当前进度:\n%s\n\n当前任务:\n%s",
			ec.Goal, ec.Progress, tk.Requirement)},
	}

	content, err := e.llm.Message(ctx, llm.Request{Messages: messages, Options: e.options})
	if err != nil {
		result := agent.ExecutionResult{Status: agent.ExecFailure, Comments: err.Error()}
		if xerrors.CodeOf(err) == xerrors.CodeQuotaExhausted {
			result.Reason = agent.ReasonQuotaExhausted
		}
		return result, nil
	}
	return agent.ExecutionResult{Status: agent.ExecSuccess, Content: content}, nil
}

type completionSummarizer struct {
	llm     llm.Client
	options llm.Options
}

func (s *completionSummarizer) Summarize(ctx context.Context, goal, _ string, tasks []*task.Task, files []string) (string, error) {
	var builder strings.Builder
	builder.WriteString("总体目标:\n")
	builder.WriteString(goal)
	builder.WriteString("\n\n任务产出:\n")
	var walk func(list []*task.Task)
	walk = func(list []*task.Task) {
		for _, tk := range list {
			if tk.Status == task.StatusCompleted && tk.Content != "" {
				builder.WriteString("- ")
				builder.WriteString(tk.Requirement)
				builder.WriteString(": ")
				builder.WriteString(tk.Content)
				builder.WriteString("\n")
			}
			walk(tk.Children)
		}
	}
	walk(tasks)
	if len(files) > 0 {
		builder.WriteString("\n生成的文件:\n")
		for _, file := range files {
			builder.WriteString("- ")
			builder.WriteString(file)
			builder.WriteString("\n")
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "请基于任务产出给出面向用户的最终总结。"},
		{Role: llm.RoleUser, Content: builder.String()},
	}
	return s.llm.Message(ctx, llm.Request{Messages: messages, Options: s.options})
}
