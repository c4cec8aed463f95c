// Package objectstore abstracts the compressed-archive store the decoder
// reads from.
package objectstore

import (
	"context"
	"errors"
)

// ErrObjectNotFound marks a key with no object behind it. The decoder
// treats this as already-consumed: the archive was deleted after a prior
// successful run, so the notification is acknowledged, not retried.
var ErrObjectNotFound = errors.New("objectstore: object not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}
