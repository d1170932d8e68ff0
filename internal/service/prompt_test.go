package service

import (
	"strings"
	"testing"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	chunks := []domain.ScoredChunk{
		{Chunk: domain.Chunk{ID: "a", Page: 2, Text: "  Payment is due monthly.  "}, Similarity: 0.9},
		{Chunk: domain.Chunk{ID: "b", Page: 4, Section: "Late Fees", Text: "A 5% fee applies."}, Similarity: 0.8},
	}
	history := []*domain.ChatMessage{
		{Role: domain.RoleUser, Content: "What is this?"},
		{Role: domain.RoleAssistant, Content: "A lease agreement."},
	}

	messages := BuildPrompt("When is rent due?", chunks, history)

	require.Len(t, messages, 4)
	assert.Equal(t, domain.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "[p. X]")
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleUser, Content: "What is this?"}, messages[1])
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleAssistant, Content: "A lease agreement."}, messages[2])

	user := messages[3]
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Contains(t, user.Content, "**Question:** When is rent due?")
	assert.Contains(t, user.Content, "[Source 1 - Page 2]\nPayment is due monthly.")
	assert.Contains(t, user.Content, "[Source 2 - Page 4 (Late Fees)]\nA 5% fee applies.")
	assert.Less(t, strings.Index(user.Content, "[Source 1"), strings.Index(user.Content, "[Source 2"))
}

func TestBuildPrompt_NoHistory(t *testing.T) {
	messages := BuildPrompt("q", []domain.ScoredChunk{{Chunk: domain.Chunk{Page: 1, Text: "t"}}}, nil)

	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleSystem, messages[0].Role)
	assert.Equal(t, domain.RoleUser, messages[1].Role)
}

func TestFormatContext_SeparatesExcerpts(t *testing.T) {
	out := FormatContext([]domain.ScoredChunk{
		{Chunk: domain.Chunk{Page: 1, Text: "one"}},
		{Chunk: domain.Chunk{Page: 1, Text: "two"}},
	})

	assert.Equal(t, "[Source 1 - Page 1]\none\n\n---\n\n[Source 2 - Page 1]\ntwo", out)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"trims", "  hi  ", 5, "hi"},
		{"runes", "ééééé", 2, "éé..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.n))
		})
	}
}
