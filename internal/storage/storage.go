package storage

import "context"

// Store persists rendered images and returns the URL they are served from.
// Put must be all-or-nothing: a failed Put leaves nothing visible at the URL.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
