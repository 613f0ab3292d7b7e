// Package source retrieves models from remote registries into local storage.
package source

import (
	"context"

	"github.com/ekisa-team/lotabots/internal/model"
)

// Fetcher retrieves a named model into dest and describes the local artifact.
// Errors are model.KindFetch errors.
type Fetcher interface {
	Fetch(ctx context.Context, name, dest string) (model.Descriptor, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, name, dest string) (model.Descriptor, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, name, dest string) (model.Descriptor, error) {
	return f(ctx, name, dest)
}
