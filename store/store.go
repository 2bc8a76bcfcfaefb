// Package store shares capacity snapshots between processes that spend the
// same remote budget, so a process starting up does not assume a full bucket
// the others already drained.
package store

import (
	"context"
	"errors"

	"github.com/KanavDutta/costgate/core"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store closed")

// Store holds the latest reconciled capacity per identity.
// Get returns nil and no error when nothing is stored.
type Store interface {
	Get(ctx context.Context, identity string) (*core.Capacity, error)
	Set(ctx context.Context, identity string, capacity *core.Capacity) error
	Delete(ctx context.Context, identity string) error
	Clear(ctx context.Context) error
}
