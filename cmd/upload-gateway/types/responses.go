package types

import (
	"time"

	pkgtypes "github.com/lgulliver/chunkstone/pkg/types"
)

// ErrorResponse is the envelope for every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
	Missing []int  `json:"missing,omitempty"`
}

// Error codes carried in ErrorResponse.Code
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeInvalidIndex        = "INVALID_INDEX"
	CodeChunkTooLarge       = "CHUNK_TOO_LARGE"
	CodeMissingChunks       = "MISSING_CHUNKS"
	CodeStorageUploadFailed = "STORAGE_UPLOAD_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

type InitResponse struct {
	SessionID     string `json:"sessionId"`
	ChunkSize     int64  `json:"chunkSize"`
	TotalChunks   int    `json:"totalChunks"`
	MaxChunkBytes int64  `json:"maxChunkBytes,omitempty"`
}

// StatusResponse is the read-only view of one upload session
type StatusResponse struct {
	SessionID      string                `json:"sessionId"`
	Filename       string                `json:"filename"`
	MimeType       string                `json:"mimeType"`
	Size           int64                 `json:"size"`
	Status         pkgtypes.UploadStatus `json:"status"`
	ChunkSize      int64                 `json:"chunkSize"`
	ReceivedChunks []int                 `json:"receivedChunks"`
	ReceivedBytes  int64                 `json:"receivedBytes"`
	pkgtypes.Progress
	Result    *pkgtypes.ArtifactResult `json:"result,omitempty"`
	LastError string                   `json:"lastError,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

type MissingResponse struct {
	SessionID string `json:"sessionId"`
	Missing   []int  `json:"missing"`
}

type CancelResponse struct {
	SessionID string `json:"sessionId"`
	Cancelled bool   `json:"cancelled"`
}

// HealthStatus is returned by the health check
type HealthStatus struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatusResponse flattens a session and its progress
func NewStatusResponse(s *pkgtypes.UploadSession, p pkgtypes.Progress) StatusResponse {
	received := []int(s.ReceivedChunks)
	if received == nil {
		received = []int{}
	}
	return StatusResponse{
		SessionID:      s.ID,
		Filename:       s.Filename,
		MimeType:       s.MimeType,
		Size:           s.DeclaredSize,
		Status:         s.Status,
		ChunkSize:      s.ChunkSize,
		ReceivedChunks: received,
		ReceivedBytes:  s.ReceivedBytes,
		Progress:       p,
		Result:         s.Result(),
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}
