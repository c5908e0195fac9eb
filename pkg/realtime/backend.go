package realtime

import "context"

// Backend is the CRUD facade over the persistent table of one entity type.
// Create and Update return the canonical stored record. A Backend never
// touches a Store; merging is the caller's job.
type Backend[T any] interface {
	// List returns the records of partition, or of every partition when
	// partition is empty.
	List(ctx context.Context, partition string) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, id string, updates map[string]any) (T, error)
	Delete(ctx context.Context, id string) error
}
