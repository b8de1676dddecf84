package credentials

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateDefault - at most one default credential per (workspace, provider).
	ErrDuplicateDefault = errors.New("workspace already has a default credential for this provider")
	// ErrLastCredential - the last active credential for a provider cannot be deleted.
	ErrLastCredential = errors.New("cannot delete the last active credential for this provider")
	// ErrUnknownProvider - the requested provider slug is not seeded.
	ErrUnknownProvider = errors.New("unknown provider")
)

// NoCredentialError means neither the tenant nor the fallback pool has a
// usable credential for the provider.
type NoCredentialError struct {
	Provider string
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("no usable credential for provider %s", e.Provider)
}

// UnsupportedModelError names the requested model and what the provider
// actually supports.
type UnsupportedModelError struct {
	Provider  string
	Model     string
	Supported []string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("provider %s does not support model %s (supported: %s)",
		e.Provider, e.Model, strings.Join(e.Supported, ", "))
}
