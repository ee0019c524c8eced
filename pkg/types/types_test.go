package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUploadStatus(t *testing.T) {
	for _, s := range []string{"uploading", "completing", "completed", "cancelled", "failed"} {
		status, err := ParseUploadStatus(s)
		require.NoError(t, err)
		assert.Equal(t, UploadStatus(s), status)
	}

	_, err := ParseUploadStatus("paused")
	assert.Error(t, err)
}

func TestUploadStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusUploading.IsTerminal())
	assert.False(t, StatusCompleting.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
}

func TestChunkSet_AddKeepsOrderAndUniqueness(t *testing.T) {
	set := NewChunkSet(4, 1, 3, 1, 0, 4)

	assert.Equal(t, ChunkSet{0, 1, 3, 4}, set)
	assert.True(t, set.Contains(3))
	assert.False(t, set.Contains(2))

	set = set.Add(2)
	assert.Equal(t, ChunkSet{0, 1, 2, 3, 4}, set)
}

func TestChunkSet_Missing(t *testing.T) {
	tests := []struct {
		name     string
		set      ChunkSet
		total    int
		expected []int
	}{
		{"empty set", ChunkSet{}, 3, []int{0, 1, 2}},
		{"gap in middle", NewChunkSet(0, 2), 3, []int{1}},
		{"complete", NewChunkSet(2, 1, 0), 3, []int{}},
		{"tail missing", NewChunkSet(0), 4, []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.set.Missing(tt.total))
		})
	}
}

func TestNewProgress(t *testing.T) {
	assert.Equal(t, Progress{ReceivedCount: 1, TotalChunks: 3, Percent: 33.33}, NewProgress(1, 3))
	assert.Equal(t, 100.0, NewProgress(2, 2).Percent)
	assert.Equal(t, 0.0, NewProgress(0, 0).Percent)
}

func TestUploadSession_ProgressOfCompletedSession(t *testing.T) {
	session := &UploadSession{Status: StatusUploading, TotalChunks: 4, ReceivedChunks: NewChunkSet(0, 2)}
	assert.Equal(t, 50.0, session.Progress().Percent)

	session.Status = StatusCompleted
	session.ReceivedChunks = nil
	assert.Equal(t, Progress{ReceivedCount: 4, TotalChunks: 4, Percent: 100}, session.Progress())
}

func TestUploadSession_ResultOnlyWhenCompleted(t *testing.T) {
	session := &UploadSession{Status: StatusUploading, ArtifactURL: "http://x"}
	assert.Nil(t, session.Result())

	session.Status = StatusCompleted
	session.StoragePath = "uploads/a.png"
	session.ArtifactSize = 9
	result := session.Result()
	require.NotNil(t, result)
	assert.Equal(t, "http://x", result.URL)
	assert.Equal(t, "uploads/a.png", result.StoragePath)
	assert.Equal(t, int64(9), result.Size)
}

func TestUploadSession_CloneIsDeep(t *testing.T) {
	original := &UploadSession{ReceivedChunks: NewChunkSet(0, 1)}
	clone := original.Clone()
	clone.ReceivedChunks[0] = 7

	assert.Equal(t, ChunkSet{0, 1}, original.ReceivedChunks)
}
