package storage

import (
	"context"
	"io"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	// ErrNotFound is returned when a key is absent from the store
	ErrNotFound errString = "not found"

	// ErrExists is returned on exclusive puts against an existing key
	ErrExists errString = "exists already"

	// ErrNotSupported is returned by backends for unimplemented operations
	ErrNotSupported errString = "not supported"
)

const (
	// OverWrite: put may replace an existing key
	OverWrite = true

	// NoOverWrite: put fails with ErrExists on an existing key
	NoOverWrite = false
)

// Store implementations know how to read and write entries of a K/V backend.
//
// Typically this is something file system-like. Examples are S3, GCS, local FS.
// Implementations of this interface are assumed to be fairly simple.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, source io.Reader, overwrite bool) error
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
	KeysPrefix(ctx context.Context, prefix string) ([]string, error)
	Clear(context.Context) error
}

// PipeIO copies a reader out to a writer with a bounded buffer
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(writer, reader, buf)
}
