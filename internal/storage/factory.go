package storage

import (
	"fmt"

	"github.com/lgulliver/chunkstone/pkg/config"
)

// StorageFactory creates storage instances based on configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates a storage instance based on the configured type
func (sf *StorageFactory) CreateStorage() (Backend, error) {
	switch sf.config.Type {
	case "local":
		ls, err := NewLocalStorageWithURL(sf.config.LocalPath, sf.config.PublicURL)
		if err != nil {
			return nil, err
		}
		return ls, nil
	case "s3":
		s3s, err := NewS3Storage(sf.config)
		if err != nil {
			return nil, err
		}
		return s3s, nil
	case "memory":
		return NewMemoryStorage(sf.config.PublicURL), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}
