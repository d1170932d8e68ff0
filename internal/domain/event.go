package domain

import "encoding/json"

// EventType tags a streamed chat event.
type EventType string

const (
	EventThinking  EventType = "thinking"
	EventContent   EventType = "content"
	EventCitations EventType = "citations"
	EventError     EventType = "error"
)

// Thinking stages.
const (
	StageSearching  = "searching"
	StageReading    = "reading"
	StageGenerating = "generating"
	StageComplete   = "complete"
)

// ContextPreview describes a retrieved chunk in a "reading" thinking event.
type ContextPreview struct {
	Page    int    `json:"page"`
	Section string `json:"section,omitempty"`
	Preview string `json:"preview"`
}

// StreamEvent is one element of the ordered chat event stream.
// Only the fields relevant to Type are set.
type StreamEvent struct {
	Type      EventType        `json:"type"`
	Stage     string           `json:"stage,omitempty"`
	Content   string           `json:"content,omitempty"`
	Context   []ContextPreview `json:"context,omitempty"`
	Citations []Citation       `json:"citations,omitempty"`
}

// MarshalJSON always writes the citations list on citation events, even when empty.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type plain StreamEvent
	if e.Type != EventCitations {
		return json.Marshal(plain(e))
	}
	citations := e.Citations
	if citations == nil {
		citations = []Citation{}
	}
	return json.Marshal(struct {
		Type      EventType  `json:"type"`
		Citations []Citation `json:"citations"`
	}{Type: e.Type, Citations: citations})
}

func ThinkingEvent(stage, content string, preview []ContextPreview) StreamEvent {
	return StreamEvent{Type: EventThinking, Stage: stage, Content: content, Context: preview}
}

func ContentEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: delta}
}

func CitationsEvent(citations []Citation) StreamEvent {
	if citations == nil {
		citations = []Citation{}
	}
	return StreamEvent{Type: EventCitations, Citations: citations}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Content: message}
}
