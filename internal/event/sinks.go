package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"OpenAgent-Core/pkg/logger"
)

// LogSink 把事件写入结构化日志，是未配置消息通道时的默认实现。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建 LogSink。
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Named("event")
	}
	return &LogSink{logger: l}
}

// Emit 实现 Sink 接口。
func (s *LogSink) Emit(_ context.Context, event Event) error {
	s.logger.Info("run event",
		slog.String("uuid", event.UUID),
		slog.String("action_type", string(event.ActionType)),
		slog.String("status", event.Status),
		slog.String("task_id", event.TaskID),
		slog.String("content", event.Content),
	)
	return nil
}

// Close 实现 Sink 接口。
func (s *LogSink) Close() error {
	return nil
}

// MemorySink 在内存里记录全部事件，主要用于测试。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink 创建 MemorySink。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit 实现 Sink 接口。
func (s *MemorySink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events 返回已记录事件的副本。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Close 实现 Sink 接口。
func (s *MemorySink) Close() error {
	return nil
}

// Fanout 把同一事件投递给多个下游，常见组合是消息存储镜像加消息队列。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建 Fanout。
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Emit 依次投递，收集所有下游错误。
func (f *Fanout) Emit(ctx context.Context, event Event) error {
	var err error
	for _, sink := range f.sinks {
		err = errors.Join(err, sink.Emit(ctx, event))
	}
	return err
}

// Close 关闭全部下游。
func (f *Fanout) Close() error {
	var err error
	for _, sink := range f.sinks {
		err = errors.Join(err, sink.Close())
	}
	return err
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*Fanout)(nil)
)
