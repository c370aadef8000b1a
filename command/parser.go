package command

import (
	"strings"
)

// ParseResult 承载一行交互输入的解析结果。
type ParseResult struct {
	IsCommand   bool     // 是否以命令前缀开头
	Tokens      []string // 命令名及参数（不含前缀）
	Raw         string   // 原始输入
	ArgumentRaw string   // 命令名之后的原始参数串，保留内部空白
}

// Parser 区分交互输入中的斜杠命令与普通对话文本。
type Parser struct {
	Prefix string // 命令前缀，默认 "/"
}

// NewParser 创建带默认前缀的解析器。
func NewParser() Parser {
	return Parser{Prefix: "/"}
}

// Parse 将文本拆解为命令 token。
// 单独的前缀、前缀后紧跟空白或以 "//" 开头的文本不视为命令，按普通消息发送。
func (p Parser) Parse(text string) ParseResult {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "/"
	}

	trimmed := strings.TrimSpace(text)
	rest, ok := strings.CutPrefix(trimmed, prefix)
	if !ok || rest == "" || strings.HasPrefix(rest, prefix) || strings.TrimSpace(rest[:1]) == "" {
		return ParseResult{Raw: text}
	}

	fields := strings.Fields(rest)
	name := fields[0]
	return ParseResult{
		IsCommand:   true,
		Tokens:      append([]string{strings.ToLower(name)}, fields[1:]...),
		Raw:         text,
		ArgumentRaw: strings.TrimSpace(strings.TrimPrefix(rest, name)),
	}
}
