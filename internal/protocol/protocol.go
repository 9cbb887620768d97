package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged over the websocket
const (
	EventUserMessage    = "user-message"
	EventAssistantReply = "assistant-reply"
	EventAssistantError = "assistant-error"
)

// Envelope is the JSON frame carried by every websocket text message
type Envelope struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserMessage builds a client to server frame
func UserMessage(text string) Envelope {
	return Envelope{Type: EventUserMessage, Text: text}
}

// AssistantReply builds a reply frame
func AssistantReply(text string) Envelope {
	return Envelope{Type: EventAssistantReply, Text: text}
}

// AssistantError builds an error frame; Text carries the reason
func AssistantError(reason string) Envelope {
	return Envelope{Type: EventAssistantError, Text: reason}
}

// Decode parses a frame and rejects unknown event types
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	switch env.Type {
	case EventUserMessage, EventAssistantReply, EventAssistantError:
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("envelope has no type")
	default:
		return Envelope{}, fmt.Errorf("unknown event type: %s", env.Type)
	}
}
