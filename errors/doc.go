// Package errors provides structured error types for the chunk runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, offending value, and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConfig, errors.KindInvalidData).
//		Path("chunks", "0", "binaries").
//		Value("./missing.wasm").
//		Detail("binary is not declared").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseFetch, "url", url)
//	err := errors.Closed(errors.PhaseResolve, "registry")
//
// Load failures seen by callers use the taxonomy types ChunkLoadError,
// UnknownModuleError, ModuleExecutionError and CircularDependencyError.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
