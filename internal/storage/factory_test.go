package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/lgulliver/chunkstone/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageFactory_CreateLocalStorage(t *testing.T) {
	storageConfig := &config.StorageConfig{
		Type:      "local",
		LocalPath: t.TempDir(),
		PublicURL: "http://localhost:8080/files",
	}

	storage, err := NewStorageFactory(storageConfig).CreateStorage()
	require.NoError(t, err)
	require.NotNil(t, storage)
	assert.IsType(t, &LocalStorage{}, storage)

	ctx := context.Background()
	url, err := storage.Put(ctx, "uploads/factory.txt", strings.NewReader("content from factory test"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/uploads/factory.txt", url)

	reader, err := storage.Retrieve(ctx, "uploads/factory.txt")
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "content from factory test", string(content))
}

func TestStorageFactory_CreateMemoryStorage(t *testing.T) {
	storage, err := NewStorageFactory(&config.StorageConfig{Type: "memory"}).CreateStorage()
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, storage)
}

func TestStorageFactory_CreateS3Storage(t *testing.T) {
	storage, err := NewStorageFactory(&config.StorageConfig{
		Type:           "s3",
		Bucket:         "artifacts",
		Region:         "us-east-1",
		Endpoint:       "http://127.0.0.1:9000",
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
	}).CreateStorage()
	require.NoError(t, err)
	assert.IsType(t, &S3Storage{}, storage)

	_, err = NewStorageFactory(&config.StorageConfig{Type: "s3"}).CreateStorage()
	assert.Error(t, err, "a bucket is required")
}

func TestStorageFactory_UnsupportedType(t *testing.T) {
	for _, storageType := range []string{"unsupported", "gcs", "azure"} {
		t.Run(storageType, func(t *testing.T) {
			storage, err := NewStorageFactory(&config.StorageConfig{Type: storageType}).CreateStorage()

			assert.Error(t, err)
			assert.Nil(t, storage)
			assert.Contains(t, err.Error(), "unsupported storage type")
		})
	}
}
