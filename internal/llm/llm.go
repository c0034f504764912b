package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options 是调用方提供的调优参数。出站前必须经过 FilterOptions，
// 允许清单之外的键会被静默丢弃，这是各厂商适配器共同的兼容边界。
type Options map[string]any

var allowedOptions = map[string]struct{}{
	"temperature":       {},
	"top_p":             {},
	"max_tokens":        {},
	"stop":              {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"seed":              {},
}

// FilterOptions 返回仅包含允许键的副本。
func FilterOptions(opts Options) Options {
	if len(opts) == 0 {
		return nil
	}
	filtered := make(Options)
	for key, value := range opts {
		if _, ok := allowedOptions[key]; ok {
			filtered[key] = value
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

// Request 描述一次流式补全调用。OnDelta 为空时退化为纯阻塞调用。
type Request struct {
	Messages []Message
	Options  Options
	// OnDelta 在每个文本增量到达时被同步调用，推理区间的开闭标记
	// 也会作为增量送达。最终返回值等于全部增量的拼接。
	OnDelta func(delta string)
}

// Client 定义了调用大模型的统一接口。返回的文本流是惰性且不可重放的，
// 需要重新生成时必须发起新的请求。
type Client interface {
	Message(ctx context.Context, req Request) (string, error)
}

// SplitSystem 把系统消息从历史中剥离，供把系统指令作为独立请求字段
// 的厂商使用。返回拼接后的系统指令与剩余消息。
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
