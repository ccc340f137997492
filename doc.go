// Package chunkruntime loads an application split into chunks at run time.
//
// A build emits a set of chunks, each a manifest of module factories, plus
// optional WebAssembly binaries. The runtime fetches chunks on demand,
// executes their modules once in dependency order and exposes the results
// as namespaces.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	chunkruntime/        Root package (documentation only)
//	├── loader/          High-level runtime: bootstrap, import, error sink
//	├── registry/        Module registry, factory execution, cycle detection
//	├── chunk/           Chunk scheduler, manifest decoding, push delivery
//	├── binary/          WebAssembly loading, import tables, host functions
//	├── namespace/       Namespace objects and default-export interop
//	├── future/          One-shot completion values shared by waiters
//	├── fetch/           HTTP and filesystem fetchers
//	├── config/          Runtime configuration and URL construction
//	└── errors/          Structured error types and load failure taxonomy
//
// # Quick Start
//
// Bootstrap the entry module and import a deferred chunk:
//
//	cfg, err := config.Load("runtime.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rt, err := loader.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	app, err := rt.Bootstrap(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	settings, err := rt.Import(ctx, "settings", "./settings.js")
//
// # Host Functions
//
// Register Go functions binary modules can import:
//
//	hosts := binary.NewHosts()
//	hosts.RegisterFunc("env", "now-ms", func() int64 {
//	    return time.Now().UnixMilli()
//	})
//	rt, err := loader.New(ctx, cfg, loader.WithHosts(hosts))
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Module factories run one at a time,
// so a factory never observes another factory mid-execution.
//
// # Failure Handling
//
// A failed chunk or binary load is not cached. The next request for the same
// chunk starts a fresh attempt. Failures during Bootstrap are reported to the
// configured Sink before they are returned.
package chunkruntime
