package errors

import (
	"fmt"
	"strings"
)

// Load failure types reported in ChunkLoadError.Type.
const (
	LoadTypeError       = "error"       // network failure or non-success status
	LoadTypeTimeout     = "timeout"     // fetch did not finish within the configured timeout
	LoadTypeMissing     = "missing"     // code ran but never registered the chunk
	LoadTypeInvalid     = "invalid"     // payload could not be executed
	LoadTypeCompile     = "compile"     // binary module failed to compile
	LoadTypeInstantiate = "instantiate" // binary module failed to link or instantiate
)

// ChunkLoadError is returned to every waiter of a failed chunk or binary
// module load. Loads are retryable: the failed unit is back to unloaded.
type ChunkLoadError struct {
	Cause    error
	ChunkID  string
	ModuleID string // set when a binary module failed
	Type     string
	Request  string
	Attempt  string
}

func (e *ChunkLoadError) Error() string {
	var b strings.Builder
	if e.ModuleID != "" {
		fmt.Fprintf(&b, "loading binary module %q failed", e.ModuleID)
	} else {
		fmt.Fprintf(&b, "loading chunk %s failed", e.ChunkID)
	}
	fmt.Fprintf(&b, " (%s: %s)", e.Type, e.Request)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ChunkLoadError) Unwrap() error {
	return e.Cause
}

// ModuleExecutionError wraps a failure raised by a module factory.
// The module stays unexecuted; a later require runs the factory again.
type ModuleExecutionError struct {
	Cause    error
	ModuleID string
}

func (e *ModuleExecutionError) Error() string {
	return fmt.Sprintf("module %q execution failed: %v", e.ModuleID, e.Cause)
}

func (e *ModuleExecutionError) Unwrap() error {
	return e.Cause
}

// UnknownModuleError means a required module was never registered,
// usually because the chunk that registers it was never loaded.
type UnknownModuleError struct {
	ModuleID  string
	Requester string
}

func (e *UnknownModuleError) Error() string {
	if e.Requester != "" {
		return fmt.Sprintf("cannot find module %q (required by %q)", e.ModuleID, e.Requester)
	}
	return fmt.Sprintf("cannot find module %q", e.ModuleID)
}

// DuplicateModuleError reports a second, different registration of an id.
type DuplicateModuleError struct {
	ModuleID string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("module %q already defined", e.ModuleID)
}

// CircularDependencyError reports a synchronous require cycle.
// Path starts and ends with the module that closed the cycle.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Path, " -> ")
}

// ModuleID returns the module that was re-entered.
func (e *CircularDependencyError) ModuleID() string {
	if len(e.Path) == 0 {
		return ""
	}
	return e.Path[len(e.Path)-1]
}
