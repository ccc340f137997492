package chunk

import (
	"context"

	"github.com/wippyai/chunk-runtime/registry"
)

// Payload is what executing a chunk's code produces: the chunks it
// satisfies and the module factories it registers.
type Payload struct {
	Modules  map[string]registry.Factory
	ChunkIDs []string
}

// Executor turns fetched chunk code into payloads by calling push.
// A chunk whose code runs without pushing a payload naming it fails as
// missing.
type Executor interface {
	Execute(ctx context.Context, chunkID string, code []byte, push func(Payload) error) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, chunkID string, code []byte, push func(Payload) error) error

func (f ExecutorFunc) Execute(ctx context.Context, chunkID string, code []byte, push func(Payload) error) error {
	return f(ctx, chunkID, code, push)
}

// message is one entry of the scheduler's bounded queue.
type message struct {
	payload  *Payload
	reply    chan error
	complete *completion
}

// completion reports that a chunk fetch goroutine finished, successfully
// or not.
type completion struct {
	err      error
	chunkID  string
	attempt  string
	loadType string
}
