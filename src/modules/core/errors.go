package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is returned when a module file cannot be compiled.
	ErrSyntax = errors.New("modules: syntax error")
	// ErrRuntime is returned when a module fails while executing its top-level statements.
	ErrRuntime = errors.New("modules: runtime error")
	// ErrInvalidDeclaration is returned for malformed declarations or commands.
	ErrInvalidDeclaration = errors.New("modules: invalid declaration")
	// ErrDeclarationConflict is returned when a declaration name is already owned by another hooked module.
	ErrDeclarationConflict = errors.New("modules: declaration already hooked")
	// ErrUnsupportedModule is returned for files no source knows how to load.
	ErrUnsupportedModule = errors.New("modules: unsupported module file")
	// ErrInvalidModulePath is returned for module names that escape the module directory.
	ErrInvalidModulePath = errors.New("modules: invalid module path")
	// ErrSubscribe wraps transport failures while installing handlers.
	ErrSubscribe = errors.New("modules: subscribe failed")
	// ErrUnknownSubscription is returned by transports for handles they did not issue.
	ErrUnknownSubscription = errors.New("modules: unknown subscription")
	// ErrUnsupportedEvent is returned by transports for event kinds they cannot deliver.
	ErrUnsupportedEvent = errors.New("modules: unsupported event kind")

	errAlreadyHooked = errors.New("modules: already hooked")
)

// LoadError reports a module that failed to hook. Nothing of the module is
// left registered when a LoadError is returned.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module %q: %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
