package fluidcache

import "errors"

var (
	// ErrNotFound is returned by a Loader to report that no value exists
	// for the requested key. Get treats it as a plain miss: no error is
	// surfaced to the caller and nothing is inserted.
	ErrNotFound = errors.New("fluidcache: value not found")

	// ErrNilValue reports that a loader returned a nil value together
	// with a nil error. Loaders that have nothing to return must use
	// ErrNotFound instead.
	ErrNilValue = errors.New("fluidcache: loader returned a nil value")

	// ErrBagOverflow reports that a bag number left its valid range.
	// The aged-out reset fires long before bag arithmetic can wrap, so
	// seeing this error indicates a bug.
	ErrBagOverflow = errors.New("fluidcache: bag number out of range")
)
