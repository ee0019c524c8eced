package types

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadStatus is the lifecycle state of an upload session
type UploadStatus string

const (
	StatusUploading  UploadStatus = "uploading"
	StatusCompleting UploadStatus = "completing"
	StatusCompleted  UploadStatus = "completed"
	StatusCancelled  UploadStatus = "cancelled"
	StatusFailed     UploadStatus = "failed"
)

// ParseUploadStatus converts a stored status string into an UploadStatus
func ParseUploadStatus(s string) (UploadStatus, error) {
	switch status := UploadStatus(s); status {
	case StatusUploading, StatusCompleting, StatusCompleted, StatusCancelled, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown upload status: %q", s)
	}
}

// IsTerminal reports whether no further chunk writes can be accepted
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ChunkSet is a sorted set of received chunk indices
type ChunkSet []int

// NewChunkSet builds a normalized set from arbitrary indices
func NewChunkSet(indices ...int) ChunkSet {
	set := ChunkSet{}
	for _, i := range indices {
		set = set.Add(i)
	}
	return set
}

// Contains reports whether index has been received
func (c ChunkSet) Contains(index int) bool {
	i := sort.SearchInts(c, index)
	return i < len(c) && c[i] == index
}

// Add returns the set with index inserted, keeping ascending order
func (c ChunkSet) Add(index int) ChunkSet {
	i := sort.SearchInts(c, index)
	if i < len(c) && c[i] == index {
		return c
	}
	out := make(ChunkSet, 0, len(c)+1)
	out = append(out, c[:i]...)
	out = append(out, index)
	return append(out, c[i:]...)
}

// Missing returns the ascending indices in [0, total) not present in the set
func (c ChunkSet) Missing(total int) []int {
	missing := []int{}
	j := 0
	for i := 0; i < total; i++ {
		for j < len(c) && c[j] < i {
			j++
		}
		if j < len(c) && c[j] == i {
			continue
		}
		missing = append(missing, i)
	}
	return missing
}

// UploadSession tracks one logical file upload across many chunk transfers
type UploadSession struct {
	ID             string       `json:"id" gorm:"primaryKey;size:36"`
	Filename       string       `json:"filename" gorm:"not null"`
	MimeType       string       `json:"mime_type" gorm:"not null"`
	DeclaredSize   int64        `json:"declared_size"`
	TotalChunks    int          `json:"total_chunks" gorm:"not null"`
	ChunkSize      int64        `json:"chunk_size"`
	ReceivedChunks ChunkSet     `json:"received_chunks" gorm:"-"`
	ReceivedBytes  int64        `json:"received_bytes" gorm:"-"`
	Status         UploadStatus `json:"status" gorm:"size:16;index;not null"`
	ArtifactURL    string       `json:"artifact_url,omitempty"`
	StoragePath    string       `json:"storage_path,omitempty"`
	ArtifactSize   int64        `json:"artifact_size,omitempty"`
	ArtifactSHA256 string       `json:"artifact_sha256,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"index"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// TableName pins the table used by the GORM session store and the SQL migrations
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Progress summarizes how much of the session has arrived
func (s *UploadSession) Progress() Progress {
	// chunk records are dropped once the artifact is stored
	if s.Status == StatusCompleted {
		return NewProgress(s.TotalChunks, s.TotalChunks)
	}
	return NewProgress(len(s.ReceivedChunks), s.TotalChunks)
}

// Result returns the cached completion result, or nil if the session has not completed
func (s *UploadSession) Result() *ArtifactResult {
	if s.Status != StatusCompleted {
		return nil
	}
	return &ArtifactResult{
		URL:         s.ArtifactURL,
		StoragePath: s.StoragePath,
		Size:        s.ArtifactSize,
		SHA256:      s.ArtifactSHA256,
	}
}

// Clone returns a deep copy safe to hand out of a store
func (s *UploadSession) Clone() *UploadSession {
	out := *s
	out.ReceivedChunks = append(ChunkSet{}, s.ReceivedChunks...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ChunkRecord is the relational row backing one received chunk index
type ChunkRecord struct {
	SessionID  string    `gorm:"primaryKey;size:36"`
	ChunkIndex int       `gorm:"primaryKey;autoIncrement:false"`
	Size       int64     `gorm:"not null"`
	UpdatedAt  time.Time
}

// TableName pins the table used by the GORM session store and the SQL migrations
func (ChunkRecord) TableName() string {
	return "upload_chunks"
}

// Progress reports chunk arrival counts for a session
type Progress struct {
	ReceivedCount int     `json:"receivedCount"`
	TotalChunks   int     `json:"total"`
	Percent       float64 `json:"progress"`
}

// NewProgress computes a percentage rounded to two decimals
func NewProgress(received, total int) Progress {
	var percent float64
	if total > 0 {
		percent = math.Round(float64(received)/float64(total)*10000) / 100
		if percent > 100 {
			percent = 100
		}
	}
	return Progress{
		ReceivedCount: received,
		TotalChunks:   total,
		Percent:       percent,
	}
}

// ArtifactResult is what a successful completion hands back to the client
type ArtifactResult struct {
	URL         string `json:"url"`
	StoragePath string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// InitRequest carries the client-declared metadata for a new upload
type InitRequest struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	DeclaredSize int64  `json:"size"`
	TotalChunks  int    `json:"totalChunks"`
}
