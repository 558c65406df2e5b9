package engine

import (
	"unicode/utf8"

	"github.com/nous-labs/relay/internal/llm"
)

// Compress returns a deep copy of turns with text blocks cut to textLimit and
// tool results to resultLimit runes. Tool calls are kept whole so their ids
// and inputs survive. The input is not modified.
func Compress(turns []llm.ToolMessage, textLimit, resultLimit int) []llm.ToolMessage {
	out := make([]llm.ToolMessage, len(turns))
	for i, t := range turns {
		out[i] = compressTurn(t, textLimit, resultLimit)
	}
	return out
}

func compressTurn(t llm.ToolMessage, textLimit, resultLimit int) llm.ToolMessage {
	blocks := make([]llm.ContentBlock, len(t.Content))
	for i, b := range t.Content {
		nb := llm.ContentBlock{Type: b.Type, Text: truncate(b.Text, textLimit)}
		if b.ToolCall != nil {
			tc := *b.ToolCall
			tc.Input = append([]byte(nil), b.ToolCall.Input...)
			nb.ToolCall = &tc
		}
		if b.ToolResult != nil {
			tr := *b.ToolResult
			tr.Content = truncate(tr.Content, resultLimit)
			nb.ToolResult = &tr
		}
		blocks[i] = nb
	}
	return llm.ToolMessage{Role: t.Role, Content: blocks}
}

func compressResults(results []llm.ToolResult, limit int) []llm.ToolResult {
	out := make([]llm.ToolResult, len(results))
	for i, r := range results {
		r.Content = truncate(r.Content, limit)
		out[i] = r
	}
	return out
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
