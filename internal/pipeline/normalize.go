package pipeline

import (
	"fmt"
	"time"

	"github.com/ricardoakrug/groupgraph/internal/source"
)

// QuotedMessage is the resolved reference carried by a reply.
type QuotedMessage struct {
	ID      string
	Content string
}

// ProcessedMessage is a raw message normalized into the canonical shape the
// rest of the pipeline operates on.
type ProcessedMessage struct {
	MessageID string
	GroupID   string
	Sender    string
	Timestamp time.Time
	Content   string
	Type      string
	Quoted    *QuotedMessage
	Mentions  []string
}

// Normalize converts a transport-delivered message into a ProcessedMessage.
// It is a pure function: no I/O, no clock reads. Messages missing an id,
// group, sender, or timestamp fail with ErrMalformedMessage.
func Normalize(raw source.RawMessage) (ProcessedMessage, error) {
	switch {
	case raw.ID == "":
		return ProcessedMessage{}, fmt.Errorf("%w: missing message id", ErrMalformedMessage)
	case raw.GroupID == "":
		return ProcessedMessage{}, fmt.Errorf("%w: message %s has no group id", ErrMalformedMessage, raw.ID)
	case raw.Sender == "":
		return ProcessedMessage{}, fmt.Errorf("%w: message %s has no sender", ErrMalformedMessage, raw.ID)
	case raw.Timestamp <= 0:
		return ProcessedMessage{}, fmt.Errorf("%w: message %s has no timestamp", ErrMalformedMessage, raw.ID)
	}

	msgType := raw.Type
	if msgType == "" {
		msgType = "chat"
	}

	msg := ProcessedMessage{
		MessageID: raw.ID,
		GroupID:   raw.GroupID,
		Sender:    raw.Sender,
		Timestamp: time.Unix(raw.Timestamp, 0).UTC(),
		Content:   raw.Body,
		Type:      msgType,
		Mentions:  raw.MentionIDs,
	}
	if raw.Quoted != nil && raw.Quoted.ID != "" {
		msg.Quoted = &QuotedMessage{
			ID:      raw.Quoted.ID,
			Content: raw.Quoted.Content,
		}
	}
	return msg, nil
}
