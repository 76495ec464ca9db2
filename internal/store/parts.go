package store

import (
	"encoding/json"
	"fmt"
)

// Message parts carry the structured segments of an assistant turn: plain text
// and tool invocations. They round-trip through the messages.parts JSONB
// column tagged by a "type" field.

type ToolState string

const (
	ToolStatePartialCall ToolState = "partial-call"
	ToolStateCall        ToolState = "call"
	ToolStateResult      ToolState = "result"
)

type MessagePart interface {
	partKind() string
}

type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) partKind() string { return "text" }

type ToolInvocationPart struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      ToolState       `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (ToolInvocationPart) partKind() string { return "tool-invocation" }

// PartList is a JSON-tagged slice of message parts.
type PartList []MessagePart

func (l PartList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, part := range l {
		var encoded []byte
		var err error
		switch p := part.(type) {
		case TextPart:
			encoded, err = json.Marshal(struct {
				Type string `json:"type"`
				TextPart
			}{Type: p.partKind(), TextPart: p})
		case ToolInvocationPart:
			encoded, err = json.Marshal(struct {
				Type string `json:"type"`
				ToolInvocationPart
			}{Type: p.partKind(), ToolInvocationPart: p})
		default:
			return nil, fmt.Errorf("unknown message part %T", part)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return json.Marshal(out)
}

func (l *PartList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts := make(PartList, 0, len(raw))
	for _, item := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return err
		}
		switch head.Type {
		case "text":
			var p TextPart
			if err := json.Unmarshal(item, &p); err != nil {
				return err
			}
			parts = append(parts, p)
		case "tool-invocation":
			var p ToolInvocationPart
			if err := json.Unmarshal(item, &p); err != nil {
				return err
			}
			switch p.State {
			case ToolStatePartialCall, ToolStateCall, ToolStateResult:
			default:
				return fmt.Errorf("unknown tool invocation state %q", p.State)
			}
			parts = append(parts, p)
		default:
			return fmt.Errorf("unknown message part type %q", head.Type)
		}
	}
	*l = parts
	return nil
}
