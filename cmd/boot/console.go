package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// consoleHost gives binary modules a way to print numbers and read the clock.
type consoleHost struct {
	out io.Writer
	mu  sync.Mutex
}

func (h *consoleHost) Namespace() string { return "console" }

func (h *consoleHost) Log(v int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, "[wasm] %d\n", v)
}

func (h *consoleHost) LogF64(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, "[wasm] %g\n", v)
}

func (h *consoleHost) NowMs() int64 {
	return time.Now().UnixMilli()
}
