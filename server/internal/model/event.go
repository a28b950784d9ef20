package model

import (
	"encoding/json"
	"strings"
)

// StreamEventType is the "type" tag of a frame on the processing channel.
type StreamEventType string

const (
	EventProgress StreamEventType = "progress"
	EventSymptoms StreamEventType = "symptoms"
	EventFinal    StreamEventType = "final"
	EventError    StreamEventType = "error"
)

// StreamEvent is one decoded frame from the classification pipeline.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Message string          `json:"message,omitempty"`
	// Agent optionally names the stage a progress message belongs to.
	Agent    string       `json:"agent,omitempty"`
	Symptoms []string     `json:"symptoms,omitempty"`
	Result   *FinalResult `json:"result,omitempty"`
}

// DecodeStreamEvent parses a frame. A frame that is not a JSON object is
// treated as a progress message carrying the raw text.
func DecodeStreamEvent(data []byte) StreamEvent {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return StreamEvent{Type: EventProgress, Message: trimmed}
	}
	var evt StreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return StreamEvent{Type: EventProgress, Message: trimmed}
	}
	if evt.Type == EventFinal && evt.Result == nil {
		evt.Result = &FinalResult{}
	}
	return evt
}
