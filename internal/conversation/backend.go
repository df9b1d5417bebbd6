package conversation

import (
	"context"
	"errors"
)

// ErrNoSnapshot is returned by Backend.Read when nothing has been written yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Backend persists the serialized store snapshot. Every mutation rewrites
// the snapshot in full, so a backend only needs whole-blob read and write.
type Backend interface {
	// Read returns the last written snapshot, or ErrNoSnapshot.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the snapshot.
	Write(ctx context.Context, data []byte) error
}

// MemoryBackend keeps the snapshot in memory. It is used when persistence is
// disabled and by tests.
type MemoryBackend struct {
	data   []byte
	writes int
	err    error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Read returns the stored snapshot.
func (b *MemoryBackend) Read(_ context.Context) ([]byte, error) {
	if b.data == nil {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), b.data...), nil
}

// Write stores a copy of data, or fails with the injected error.
func (b *MemoryBackend) Write(_ context.Context, data []byte) error {
	if b.err != nil {
		return b.err
	}
	b.data = append([]byte(nil), data...)
	b.writes++
	return nil
}

// Writes returns the number of successful writes.
func (b *MemoryBackend) Writes() int {
	return b.writes
}

// FailWrites makes subsequent writes fail with err; nil restores them.
func (b *MemoryBackend) FailWrites(err error) {
	b.err = err
}
