package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/chunk-runtime/binary"
	"github.com/wippyai/chunk-runtime/chunk"
	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/fetch"
	"github.com/wippyai/chunk-runtime/loader"
	"github.com/wippyai/chunk-runtime/namespace"
	"github.com/wippyai/chunk-runtime/registry"
)

type options struct {
	configFile  string
	publicPath  string
	dir         string
	entryChunk  string
	entryModule string
	imports     string
	timeout     time.Duration
	verbose     bool
	interactive bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Path to runtime configuration (YAML)")
	flag.StringVar(&opts.publicPath, "public-path", "", "Override public path of chunk and binary URLs")
	flag.StringVar(&opts.dir, "dir", "", "Serve artifacts from a local directory instead of HTTP")
	flag.StringVar(&opts.entryChunk, "entry", "", "Override entry chunk id")
	flag.StringVar(&opts.entryModule, "module", "", "Override entry module id")
	flag.StringVar(&opts.imports, "import", "", "Dynamic imports after bootstrap (chunk:module,...)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Override load timeout")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	flag.BoolVar(&opts.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if opts.configFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: boot -config <runtime.yaml> [-dir <artifacts>] [-entry 0] [-module index]")
		fmt.Fprintln(os.Stderr, "       boot -config <runtime.yaml> -import 1:./lazy.js")
		fmt.Fprintln(os.Stderr, "       boot -config <runtime.yaml> -i  (interactive mode)")
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.interactive && term.IsTerminal(int(os.Stdout.Fd())) {
		if err := runInteractive(cfg, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.publicPath != "" {
		cfg.PublicPath = opts.publicPath
	}
	if opts.entryChunk != "" {
		cfg.EntryChunk = opts.entryChunk
	}
	if opts.entryModule != "" {
		cfg.EntryModule = opts.entryModule
	}
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout
	}
	return cfg, cfg.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runtimeOptions assembles the fetcher, factory catalog and host functions
// shared by plain and interactive mode.
func runtimeOptions(opts options, extra ...loader.Option) []loader.Option {
	var fetcher fetch.Fetcher = fetch.NewHTTP(nil)
	if opts.dir != "" {
		fetcher = fetch.NewFS(osfs.New(opts.dir))
	}

	hosts := binary.NewHosts()
	if err := hosts.RegisterHost(&consoleHost{out: os.Stdout}); err != nil {
		panic(err)
	}

	return append([]loader.Option{
		loader.WithFetcher(fetcher),
		loader.WithHosts(hosts),
		loader.WithCatalog(catalog(flag.Args())),
	}, extra...)
}

func run(cfg config.Config, opts options) error {
	log, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	loader.SetLoggers(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	observer := func(ev chunk.Event) {
		if ev.Err != nil {
			fmt.Printf("chunk %-12s %s (%v)\n", ev.ChunkID, ev.State, ev.Err)
			return
		}
		fmt.Printf("chunk %-12s %s\n", ev.ChunkID, ev.State)
	}

	rt, err := loader.New(ctx, cfg, runtimeOptions(opts,
		loader.WithObserver(observer),
		loader.WithSink(loader.LogSink{Logger: log}))...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(context.Background())

	fmt.Printf("Bootstrapping %s/%s from %s\n", cfg.EntryChunk, cfg.EntryModule, describeSource(cfg, opts))
	start := time.Now()
	ns, err := rt.Bootstrap(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Bootstrapped in %s\n\n", time.Since(start).Round(time.Millisecond))
	printNamespace(cfg.EntryModule, ns)

	for _, spec := range splitList(opts.imports) {
		chunkID, moduleID, ok := strings.Cut(spec, ":")
		if !ok {
			return fmt.Errorf("invalid import %q, want chunk:module", spec)
		}
		ns, err := rt.Import(ctx, chunkID, moduleID)
		if err != nil {
			return fmt.Errorf("import %s: %w", spec, err)
		}
		fmt.Println()
		printNamespace(moduleID, ns)
	}
	return nil
}

func describeSource(cfg config.Config, opts options) string {
	if opts.dir != "" {
		return opts.dir
	}
	if cfg.PublicPath == "" {
		return "(empty public path)"
	}
	return cfg.PublicPath
}

func printNamespace(id string, ns *namespace.Namespace) {
	fmt.Printf("Module %s:\n", id)
	if def, ok := ns.Default(); ok {
		fmt.Printf("  default: %s\n", describe(def))
	}
	for _, name := range ns.Names() {
		v, _ := ns.Get(name)
		fmt.Printf("  %s: %s\n", name, describe(v))
	}
}

func describe(v any) string {
	switch x := v.(type) {
	case *binary.Func:
		def := x.Definition()
		return fmt.Sprintf("wasm func(%d params) -> %d results", len(def.ParamTypes()), len(def.ResultTypes()))
	case chunk.Caller:
		return "function"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "{" + strings.Join(keys, ", ") + "}"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// catalog holds the Go factories chunk manifests may reference by name.
func catalog(args []string) chunk.Catalog {
	return chunk.Catalog{
		"process": func(m *registry.Module, exports registry.Exports, require registry.Require) error {
			exports["argv"] = append([]string(nil), args...)
			exports["pid"] = os.Getpid()
			return nil
		},
		"clock": func(m *registry.Module, exports registry.Exports, require registry.Require) error {
			namespace.Mark(exports)
			exports["default"] = time.Now().UTC().Format(time.RFC3339)
			return nil
		},
	}
}
