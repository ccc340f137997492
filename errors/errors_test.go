package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{
			err:  New(PhaseConfig, KindInvalidInput).Detail("public_path is empty").Build(),
			want: "[config] invalid_input: public_path is empty",
		},
		{
			err:  New(PhaseFetch, KindStatus).Path("chunks", "0").Detail("status %d", 404).Build(),
			want: "[fetch] status at chunks.0: status 404",
		},
		{
			err:  Wrap(PhaseExecute, KindInvalidData, stderrors.New("boom"), "parse manifest"),
			want: "[execute] invalid_data: parse manifest (caused by: boom)",
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := NotFound(PhaseResolve, "factory", "app")
	if !stderrors.Is(err, &Error{Phase: PhaseResolve, Kind: KindNotFound}) {
		t.Error("expected match on phase and kind")
	}
	if stderrors.Is(err, &Error{Phase: PhaseFetch, Kind: KindNotFound}) {
		t.Error("unexpected match on different phase")
	}
}

func TestChunkLoadError(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := &ChunkLoadError{
		ChunkID: "0",
		Type:    LoadTypeError,
		Request: "http://localhost/0.bootstrap.js",
		Cause:   cause,
	}

	msg := err.Error()
	if !strings.Contains(msg, "loading chunk 0 failed") {
		t.Errorf("message %q missing chunk id", msg)
	}
	if !strings.Contains(msg, "error: http://localhost/0.bootstrap.js") {
		t.Errorf("message %q missing type and request", msg)
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	bin := &ChunkLoadError{ModuleID: "app.wasm", Type: LoadTypeCompile, Request: "x.module.wasm"}
	if !strings.HasPrefix(bin.Error(), `loading binary module "app.wasm" failed`) {
		t.Errorf("binary message = %q", bin.Error())
	}
}

func TestWrappedTaxonomy(t *testing.T) {
	circ := &CircularDependencyError{Path: []string{"a", "b", "a"}}
	if circ.Error() != "circular dependency: a -> b -> a" {
		t.Errorf("unexpected message %q", circ.Error())
	}
	if circ.ModuleID() != "a" {
		t.Errorf("ModuleID() = %q", circ.ModuleID())
	}

	outer := &ModuleExecutionError{ModuleID: "b", Cause: &ModuleExecutionError{ModuleID: "a", Cause: circ}}

	var got *CircularDependencyError
	if !stderrors.As(outer, &got) {
		t.Fatal("CircularDependencyError not found in chain")
	}
	if got != circ {
		t.Error("As returned a different error")
	}

	unknown := &UnknownModuleError{ModuleID: "x", Requester: "y"}
	if unknown.Error() != `cannot find module "x" (required by "y")` {
		t.Errorf("unexpected message %q", unknown.Error())
	}
}
