package storage

import (
	"context"
	"time"
)

type TempStorage interface {
	Size(ctx context.Context, path string) (int64, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Sweeper removes segment files orphaned by a crash or forced teardown.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}
