// Package source defines the contract with the external group-messaging
// transport. The pipeline consumes this interface only; concrete adapters
// live in subpackages.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady indicates the transport is not connected or authenticated.
// It is fatal to the current operation and surfaced to the caller; the
// caller decides whether to reconnect or back off.
var ErrNotReady = errors.New("source not ready")

// ErrUnsupported indicates the transport cannot serve the requested
// operation (e.g. a transport without history access).
var ErrUnsupported = errors.New("operation not supported by source")

// QuotedRef references the message a reply quotes, resolved by the
// transport at delivery time.
type QuotedRef struct {
	ID      string
	Content string
}

// RawMessage is a message as delivered by the transport, before
// normalization.
type RawMessage struct {
	ID         string
	GroupID    string
	Sender     string
	Timestamp  int64 // unix seconds
	Body       string
	Type       string
	Quoted     *QuotedRef
	MentionIDs []string
}

// GroupInfo is a group's metadata and membership as reported by the source.
type GroupInfo struct {
	ID           string
	Name         string
	Description  string
	Participants []string
	CreatedAt    time.Time
}

// Source produces raw messages and group metadata from a group-messaging
// transport.
type Source interface {
	// GroupInfo fetches current metadata and membership for a group.
	GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error)

	// FetchMessages retrieves up to limit recent messages from a group's
	// history, oldest first. Transports without history access return
	// ErrUnsupported.
	FetchMessages(ctx context.Context, groupID string, limit int) ([]RawMessage, error)

	// Watch subscribes to new messages in the given groups. The returned
	// channel is closed when the context is cancelled or the transport
	// disconnects.
	Watch(ctx context.Context, groupIDs []string) (<-chan RawMessage, error)
}
