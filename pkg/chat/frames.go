package chat

import (
	"encoding/json"
	"fmt"
)

// FrameType is the discriminant of a client-to-server frame.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameTyping  FrameType = "typing"
	FramePing    FrameType = "ping"
)

// InboundFrame is a decoded client frame. Fields not used by Type are zero.
type InboundFrame struct {
	Type     FrameType `json:"type"`
	Content  string    `json:"content,omitempty"`
	IsTyping bool      `json:"is_typing,omitempty"`
}

func DecodeFrame(b []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
