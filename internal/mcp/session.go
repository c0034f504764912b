package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// session 是对一条工具服务器连接的最小抽象，测试里用假实现替换。
type session interface {
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ListResources(ctx context.Context) ([]*mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Close() error
}

type sdkSession struct {
	inner *mcp.ClientSession
}

func (s *sdkSession) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx, nil)
}

func (s *sdkSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	result, err := s.inner.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return s.inner.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

func (s *sdkSession) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	result, err := s.inner.ListPrompts(ctx, nil)
	if err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (s *sdkSession) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return s.inner.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
}

func (s *sdkSession) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	result, err := s.inner.ListResources(ctx, nil)
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (s *sdkSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return s.inner.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

func (s *sdkSession) Close() error {
	return s.inner.Close()
}

var _ session = (*sdkSession)(nil)
