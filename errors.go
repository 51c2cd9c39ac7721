package memoscore

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any operation on a Core after Close.
var ErrClosed = errors.New("memoscore: engine is closed")

// ErrHydrationMiss indicates a document id survived fusion but could not
// be hydrated from the document store — store/index divergence, an
// internal invariant violation rather than a caller error.
var ErrHydrationMiss = errors.New("memoscore: hydration miss, store/index divergence")

// ErrDimensionMismatch reports a query or stored vector whose length
// disagrees with the engine's configured embedding dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("memoscore: dim mismatch: expected %d, got %d", e.Expected, e.Got)
}
