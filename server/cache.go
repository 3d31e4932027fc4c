package server

import (
	"context"
)

// Cache defines the interface for caching image records. Caching is
// advisory: callers log and continue on any cache failure.
type Cache interface {
	GetRecord(ctx context.Context, imageID string) (*ImageRecord, error)
	SetRecord(ctx context.Context, record *ImageRecord) error
	DeleteRecord(ctx context.Context, imageID string) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetRecord returns a not found error
func (c *NoOpCache) GetRecord(ctx context.Context, imageID string) (*ImageRecord, error) {
	return nil, ErrNotFound
}

// SetRecord does nothing
func (c *NoOpCache) SetRecord(ctx context.Context, record *ImageRecord) error {
	return nil
}

// DeleteRecord does nothing
func (c *NoOpCache) DeleteRecord(ctx context.Context, imageID string) error {
	return nil
}
