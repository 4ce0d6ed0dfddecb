// Package store persists named documents. Saving a document gives it the
// identity a session needs before it can host a relay.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("store: document not found")

type Store interface {
	Save(ctx context.Context, name, text string) error
	Load(ctx context.Context, name string) (string, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}
