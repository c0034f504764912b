package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// TokenKind 是厂商差异收敛之后的统一事件分类。
type TokenKind int

const (
	// TokenText 携带一段可见文本增量。
	TokenText TokenKind = iota
	// TokenReasoning 携带一段推理文本增量。
	TokenReasoning
	// TokenAssistant 表示助手角色开启，不携带文本。
	TokenAssistant
	// TokenStop 表示厂商声明了终止原因。
	TokenStop
	// TokenDone 表示流正常结束。
	TokenDone
)

// Token 是归一化后的流事件。
type Token struct {
	Kind TokenKind
	Text string
}

// 推理区间的可见标记。模式切换时由累加器插入，调用方无需自行跟踪状态。
const (
	ReasoningOpenMarker  = "<reasoning>\n"
	ReasoningCloseMarker = "\n</reasoning>\n"
)

// ErrorToken 把厂商在 200 响应里内嵌的错误降级为可见文本，
// 使流始终能够正常收尾而不是抛出。
func ErrorToken(vendor, message string) Token {
	return Token{Kind: TokenText, Text: fmt.Sprintf("[%s 错误] %s", vendor, message)}
}

// Accumulator 聚合归一化后的流事件：拼接最终文本、维护推理区间标记，
// 并把每个增量同步回调给调用方。
type Accumulator struct {
	builder   strings.Builder
	onDelta   func(string)
	reasoning bool
}

// NewAccumulator 创建 Accumulator。
func NewAccumulator(onDelta func(string)) *Accumulator {
	return &Accumulator{onDelta: onDelta}
}

// Feed 消费一个流事件。
func (a *Accumulator) Feed(token Token) {
	switch token.Kind {
	case TokenReasoning:
		if !a.reasoning {
			a.push(ReasoningOpenMarker)
			a.reasoning = true
		}
		a.push(token.Text)
	case TokenText:
		if a.reasoning {
			a.push(ReasoningCloseMarker)
			a.reasoning = false
		}
		a.push(token.Text)
	}
	// assistant/stop/done 不携带文本。
}

func (a *Accumulator) push(text string) {
	if text == "" {
		return
	}
	a.builder.WriteString(text)
	if a.onDelta != nil {
		a.onDelta(text)
	}
}

// Final 闭合未结束的推理区间并返回累计文本。
func (a *Accumulator) Final() string {
	if a.reasoning {
		a.push(ReasoningCloseMarker)
		a.reasoning = false
	}
	return a.builder.String()
}

// ChunkParser 把一个厂商信封块解析为归一化事件序列。
type ChunkParser func(chunk []byte) ([]Token, error)

// defaultDelimiter 是常见的 SSE 事件分隔符。
var defaultDelimiter = []byte("\n\n")

// ReadStream 按分隔符切分字节流，逐块交给厂商解析器，把事件灌入累加器。
// 传输层取消时返回已累计的部分文本而不是报错；其余传输错误向上传播。
func ReadStream(ctx context.Context, body io.Reader, delimiter []byte, parse ChunkParser, acc *Accumulator) (string, error) {
	if len(delimiter) == 0 {
		delimiter = defaultDelimiter
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	scanner.Split(splitOnDelimiter(delimiter))

	for scanner.Scan() {
		chunk := bytes.TrimSpace(scanner.Bytes())
		if len(chunk) == 0 {
			continue
		}
		tokens, err := parse(chunk)
		if err != nil {
			return "", err
		}
		for _, token := range tokens {
			acc.Feed(token)
			if token.Kind == TokenDone {
				return acc.Final(), nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return acc.Final(), nil
		}
		return "", err
	}
	return acc.Final(), nil
}

// splitOnDelimiter 返回按给定分隔符切分的 bufio.SplitFunc。
func splitOnDelimiter(delimiter []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if idx := bytes.Index(data, delimiter); idx >= 0 {
			return idx + len(delimiter), data[:idx], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
