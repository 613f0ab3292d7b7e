package backend

import "errors"

// Error definitions for the backend package.
var (
	ErrNotFound          = errors.New("kernel not found in registry")
	ErrAlreadyRegistered = errors.New("kernel is already registered in the registry")
)
