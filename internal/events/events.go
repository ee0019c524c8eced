package events

import (
	"context"
	"time"
)

// Event types published over the upload lifecycle
const (
	TypeCompleted = "upload.completed"
	TypeCancelled = "upload.cancelled"
	TypeFailed    = "upload.failed"
)

// Event is the notification body sent when a session reaches a final or failed state
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	Filename    string    `json:"filename,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	URL         string    `json:"url,omitempty"`
	StoragePath string    `json:"path,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers lifecycle events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher discards every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
