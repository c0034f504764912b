package llm

import (
	"context"
	"strings"
	"testing"
)

func TestAccumulatorWrapsReasoningOnce(t *testing.T) {
	var deltas []string
	acc := NewAccumulator(func(delta string) { deltas = append(deltas, delta) })

	acc.Feed(Token{Kind: TokenAssistant})
	acc.Feed(Token{Kind: TokenReasoning, Text: "先想一想"})
	acc.Feed(Token{Kind: TokenReasoning, Text: "，再回答"})
	acc.Feed(Token{Kind: TokenText, Text: "答案是"})
	acc.Feed(Token{Kind: TokenText, Text: " 42"})
	final := acc.Final()

	if got := strings.Count(final, ReasoningOpenMarker); got != 1 {
		t.Fatalf("expected 1 open marker, got %d: %q", got, final)
	}
	if got := strings.Count(final, ReasoningCloseMarker); got != 1 {
		t.Fatalf("expected 1 close marker, got %d: %q", got, final)
	}
	openIdx := strings.Index(final, ReasoningOpenMarker)
	reasonIdx := strings.Index(final, "先想一想")
	closeIdx := strings.Index(final, ReasoningCloseMarker)
	textIdx := strings.Index(final, "答案是")
	if !(openIdx < reasonIdx && reasonIdx < closeIdx && closeIdx < textIdx) {
		t.Fatalf("marker ordering incorrect: %q", final)
	}

	if joined := strings.Join(deltas, ""); joined != final {
		t.Fatalf("最终文本应等于增量拼接: %q vs %q", final, joined)
	}
}

func TestAccumulatorClosesDanglingReasoning(t *testing.T) {
	acc := NewAccumulator(nil)
	acc.Feed(Token{Kind: TokenReasoning, Text: "思考中"})
	final := acc.Final()
	if !strings.HasSuffix(final, ReasoningCloseMarker) {
		t.Fatalf("未闭合的推理区间应在收尾时补齐: %q", final)
	}
}

func TestReadStreamSplitsOnDelimiter(t *testing.T) {
	input := "alpha\n\nbeta\n\n\n\ngamma"
	var chunks []string
	parse := func(chunk []byte) ([]Token, error) {
		chunks = append(chunks, string(chunk))
		return []Token{{Kind: TokenText, Text: string(chunk)}}, nil
	}

	acc := NewAccumulator(nil)
	final, err := ReadStream(context.Background(), strings.NewReader(input), nil, parse, acc)
	if err != nil {
		t.Fatalf("ReadStream 失败: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if final != "alphabetagamma" {
		t.Fatalf("unexpected final text: %q", final)
	}
}

func TestReadStreamStopsAtDone(t *testing.T) {
	input := "one\n\ndone\n\nignored\n\n"
	parse := func(chunk []byte) ([]Token, error) {
		if string(chunk) == "done" {
			return []Token{{Kind: TokenDone}}, nil
		}
		return []Token{{Kind: TokenText, Text: string(chunk)}}, nil
	}

	acc := NewAccumulator(nil)
	final, err := ReadStream(context.Background(), strings.NewReader(input), nil, parse, acc)
	if err != nil {
		t.Fatalf("ReadStream 失败: %v", err)
	}
	if final != "one" {
		t.Fatalf("done 之后的块不应被消费: %q", final)
	}
}

func TestFilterOptionsDropsUnknownKeys(t *testing.T) {
	opts := Options{
		"temperature": 0.2,
		"max_tokens":  1024,
		"tools":       []string{"search"},
		"api_key":     "leak",
	}
	filtered := FilterOptions(opts)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 allowed options, got %v", filtered)
	}
	if _, ok := filtered["tools"]; ok {
		t.Fatalf("不在允许清单内的键应被丢弃")
	}
	if _, ok := filtered["api_key"]; ok {
		t.Fatalf("不在允许清单内的键应被丢弃")
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "你是执行引擎"},
		{Role: RoleUser, Content: "开始"},
		{Role: RoleAssistant, Content: "好的"},
	})
	if system != "你是执行引擎" {
		t.Fatalf("系统指令未剥离: %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser {
		t.Fatalf("剩余消息不正确: %+v", rest)
	}
}
