package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"OpenAgent-Core/internal/api"
	"OpenAgent-Core/internal/config"
	"OpenAgent-Core/internal/conversation"
	"OpenAgent-Core/internal/event"
	"OpenAgent-Core/internal/llm"
	"OpenAgent-Core/internal/llm/anthropic"
	"OpenAgent-Core/internal/llm/gemini"
	"OpenAgent-Core/internal/llm/ollamax"
	"OpenAgent-Core/internal/llm/openai"
	"OpenAgent-Core/internal/mcp"
	"OpenAgent-Core/internal/runtime"
	"OpenAgent-Core/internal/task"
	"OpenAgent-Core/pkg/logger"
)

// main 是 openagentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("openagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openagent.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	repo, err := createTaskRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	cacheStore, err := createCacheStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	sink, err := createEventSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	mcpClient := mcp.NewClient(cacheStore,
		mcp.WithDefaultTimeout(time.Duration(cfg.MCP.DefaultTimeoutMS)*time.Millisecond))
	defer mcpClient.Cleanup(context.Background())

	options := llm.Options(cfg.LLM.Options)
	manager := runtime.NewManager(ctx, runtime.Deps{
		Planner: singleTaskPlanner{},
		Executor: &completionExecutor{
			llm:     llmClient,
			options: options,
			tools:   mcpClient,
			servers: toolServers(cfg),
		},
		Summarizer:    &completionSummarizer{llm: llmClient, options: options},
		Conversations: conversation.NewMemoryStore(),
		Repository:    repo,
		Sink:          sink,
	})

	logger.L().Info("openagentd 启动", "address", cfg.Server.Address, "provider", cfg.LLM.Provider)
	return api.NewServer(cfg.Server.Address, manager).Start(ctx)
}

// toolServers 把配置里的工具服务器描述转换成客户端可用的形式。
// 未显式命名的服务器沿用配置键作为标识，顺序按标识排序保持稳定。
func toolServers(cfg *config.Config) []mcp.ServerConfig {
	servers := make([]mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for name, entry := range cfg.MCP.Servers {
		id := entry.ID
		if id == "" {
			id = name
		}
		servers = append(servers, mcp.ServerConfig{
			URL:         entry.URL,
			Command:     entry.Command,
			Args:        entry.Args,
			Env:         entry.Env,
			RegistryURL: entry.RegistryURL,
			ID:          id,
			Timeout:     time.Duration(entry.TimeoutMS) * time.Millisecond,
		})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers
}

func createTaskRepository(ctx context.Context, cfg *config.Config) (task.Repository, error) {
	switch cfg.Storage.TaskRepository.Driver {
	case "memory", "":
		return task.NewMemoryRepository(), nil
	case "mysql":
		return task.NewMySQLRepository(ctx, task.MySQLConfig{
			DSN:             cfg.Storage.TaskRepository.DSN,
			MaxOpenConns:    cfg.Storage.TaskRepository.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TaskRepository.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.TaskRepository.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("不支持的任务存储驱动: %s", cfg.Storage.TaskRepository.Driver)
	}
}

func createCacheStore(ctx context.Context, cfg *config.Config) (mcp.CacheStore, error) {
	switch cfg.Cache.Driver {
	case "memory", "":
		return mcp.NewMemoryCacheStore(), nil
	case "redis":
		return mcp.NewRedisCacheStore(ctx,
			cfg.Cache.Redis.Address,
			cfg.Cache.Redis.Password,
			cfg.Cache.Redis.DB,
			cfg.Cache.Redis.KeySpace)
	default:
		return nil, fmt.Errorf("不支持的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func createEventSink(cfg *config.Config) (event.Sink, error) {
	switch cfg.Events.Driver {
	case "log", "":
		return event.NewLogSink(nil), nil
	case "rabbitmq":
		rabbit, err := event.NewRabbitSink(event.RabbitConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		// 消息队列之外保留日志镜像，便于单机排障
		return event.NewFanout(event.NewLogSink(nil), rabbit), nil
	default:
		return nil, fmt.Errorf("不支持的事件通道驱动: %s", cfg.Events.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	timeout := time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond
	switch cfg.LLM.Provider {
	case "openai", "":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	case "gemini":
		return gemini.NewClient(gemini.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	case "ollama":
		return ollamax.NewClient(ollamax.Config{
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("不支持的模型供应商: %s", cfg.LLM.Provider)
	}
}
