package service

import (
	"fmt"
	"strings"

	"github.com/cloo-solutions/docchat/internal/domain"
)

// NoInformationAnswer is the reply when a document has nothing to retrieve.
const NoInformationAnswer = "I couldn't find any relevant information in the document for your question."

const systemPrompt = `You are a document assistant. Answer questions about the provided document clearly and accurately.

RESPONSE FORMAT:
- Use **bold** for key terms
- Use bullet points or numbered lists for multiple items
- Keep paragraphs short
- Cite the pages you use inline in the format [p. X]

RULES:
1. Only answer based on the provided document context
2. If information is not found, clearly state "This information was not found in the document"
3. Be concise but complete
4. Quote key text in "quotes" when relevant`

// BuildPrompt assembles the system instruction, the recent history and the
// question with its numbered excerpts.
func BuildPrompt(question string, chunks []domain.ScoredChunk, history []*domain.ChatMessage) []domain.PromptMessage {
	messages := make([]domain.PromptMessage, 0, len(history)+2)
	messages = append(messages, domain.PromptMessage{Role: domain.RoleSystem, Content: systemPrompt})

	for _, m := range history {
		messages = append(messages, domain.PromptMessage{Role: m.Role, Content: m.Content})
	}

	user := fmt.Sprintf(`Answer based on these document excerpts:

%s

---

**Question:** %s

Provide a clear, well-formatted response with page citations.`, FormatContext(chunks), question)

	return append(messages, domain.PromptMessage{Role: domain.RoleUser, Content: user})
}

// FormatContext labels each excerpt "[Source i - Page N (section)]".
func FormatContext(chunks []domain.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("%s\n%s", sourceLabel(i+1, c.Chunk), strings.TrimSpace(c.Text))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func sourceLabel(n int, c domain.Chunk) string {
	if c.Section != "" {
		return fmt.Sprintf("[Source %d - Page %d (%s)]", n, c.Page, c.Section)
	}
	return fmt.Sprintf("[Source %d - Page %d]", n, c.Page)
}

// truncate cuts s to n runes and appends "..." when it was longer.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
