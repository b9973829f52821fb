package storage

import (
	"fmt"

	"github.com/lgulliver/masterbase/pkg/config"
)

// StorageFactory creates storage backends from configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates the backend for the configured type
func (sf *StorageFactory) CreateStorage() (Backend, error) {
	switch sf.config.Type {
	case "local", "":
		local, err := NewLocalStorage(sf.config.LocalPath)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}

// CreateArchiver returns an archiver over backend when archiving is enabled, nil otherwise
func (sf *StorageFactory) CreateArchiver(backend BlobStorage) *Archiver {
	if !sf.config.Archive {
		return nil
	}
	return NewArchiver(backend)
}
