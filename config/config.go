// Package config holds the process-start configuration of the loader:
// where artifacts live, how chunks map to files and binary modules, and
// load timeouts.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/chunk-runtime/errors"
)

const (
	DefaultChunkSuffix  = ".bootstrap.js"
	DefaultBinarySuffix = ".module.wasm"
	DefaultTimeout      = 120 * time.Second
	DefaultQueueSize    = 64
	DefaultEntryChunk   = "0"
	DefaultEntryModule  = "index"
)

// Config is read once at process start and treated as immutable afterwards.
type Config struct {
	Chunks       map[string]Chunk  `yaml:"chunks"`
	Binaries     map[string]Binary `yaml:"binaries"`
	PublicPath   string            `yaml:"public_path"`
	ChunkSuffix  string            `yaml:"chunk_suffix"`
	BinarySuffix string            `yaml:"binary_suffix"`
	EntryChunk   string            `yaml:"entry_chunk"`
	EntryModule  string            `yaml:"entry_module"`
	Preloaded    []string          `yaml:"preloaded"`
	Timeout      time.Duration     `yaml:"timeout"`
	QueueSize    int               `yaml:"queue_size"`
}

// Chunk describes one deferred chunk.
type Chunk struct {
	// File overrides the chunk id in the chunk URL.
	File string `yaml:"file"`
	// Binaries lists binary modules loaded alongside the chunk.
	Binaries []string `yaml:"binaries"`
}

// Binary describes one binary module.
type Binary struct {
	// File is the content-addressed file name without suffix.
	File    string   `yaml:"file"`
	Imports []Import `yaml:"imports"`
}

// Import declares where a binary module import is forwarded.
type Import struct {
	Module string `yaml:"module"`
	Name   string `yaml:"name"`
	// Target is the registry module whose export implements the import.
	// Defaults to Module.
	Target string `yaml:"target"`
	// Export is the export name looked up in Target. Defaults to Name.
	Export string `yaml:"export"`
	// Signature is an optional WIT function type, e.g. "func(a: u32) -> u32".
	Signature string `yaml:"signature"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Chunks:       map[string]Chunk{},
		Binaries:     map[string]Binary{},
		ChunkSuffix:  DefaultChunkSuffix,
		BinarySuffix: DefaultBinarySuffix,
		EntryChunk:   DefaultEntryChunk,
		EntryModule:  DefaultEntryModule,
		Timeout:      DefaultTimeout,
		QueueSize:    DefaultQueueSize,
	}
}

// Parse decodes YAML (or JSON) configuration on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.ParseFailed(errors.PhaseConfig, "configuration", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	return Parse(data)
}

func (c *Config) applyDefaults() {
	if c.Chunks == nil {
		c.Chunks = map[string]Chunk{}
	}
	if c.Binaries == nil {
		c.Binaries = map[string]Binary{}
	}
	if c.ChunkSuffix == "" {
		c.ChunkSuffix = DefaultChunkSuffix
	}
	if c.BinarySuffix == "" {
		c.BinarySuffix = DefaultBinarySuffix
	}
	if c.EntryChunk == "" {
		c.EntryChunk = DefaultEntryChunk
	}
	if c.EntryModule == "" {
		c.EntryModule = DefaultEntryModule
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Validate checks cross references between chunks and binaries.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "timeout must not be negative")
	}
	if c.QueueSize < 1 {
		return errors.InvalidInput(errors.PhaseConfig, "queue_size must be positive")
	}

	for _, id := range sortedKeys(c.Chunks) {
		for _, bin := range c.Chunks[id].Binaries {
			if _, ok := c.Binaries[bin]; !ok {
				return errors.New(errors.PhaseConfig, errors.KindNotFound).
					Path("chunks", id, "binaries").
					Detail("binary module %q is not declared", bin).
					Build()
			}
		}
	}

	for _, id := range sortedKeys(c.Binaries) {
		bin := c.Binaries[id]
		if bin.File == "" {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path("binaries", id, "file").
				Detail("file is required").
				Build()
		}
		for i, imp := range bin.Imports {
			if imp.Module == "" || imp.Name == "" {
				return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
					Path("binaries", id, "imports", fmt.Sprint(i)).
					Detail("module and name are required").
					Build()
			}
		}
	}
	return nil
}

// ChunkURL returns <publicPath><file><chunkSuffix> for a chunk.
func (c Config) ChunkURL(chunkID string) string {
	file := chunkID
	if ch, ok := c.Chunks[chunkID]; ok && ch.File != "" {
		file = ch.File
	}
	return c.PublicPath + file + c.ChunkSuffix
}

// BinaryURL returns <publicPath><contentHash><binarySuffix> for a binary
// module. Undeclared modules fall back to their id as file name.
func (c Config) BinaryURL(moduleID string) string {
	file := strings.TrimPrefix(moduleID, "./")
	if bin, ok := c.Binaries[moduleID]; ok && bin.File != "" {
		file = bin.File
	}
	return c.PublicPath + file + c.BinarySuffix
}

// ChunkBinaries returns the binary modules that load with chunkID.
func (c Config) ChunkBinaries(chunkID string) []string {
	return c.Chunks[chunkID].Binaries
}

// Imports returns the declared imports of a binary module.
func (c Config) Imports(moduleID string) []Import {
	return c.Binaries[moduleID].Imports
}

// Clone returns a deep copy so callers cannot mutate a running loader's view.
func (c Config) Clone() Config {
	out := c
	out.Chunks = make(map[string]Chunk, len(c.Chunks))
	for k, v := range c.Chunks {
		v.Binaries = append([]string(nil), v.Binaries...)
		out.Chunks[k] = v
	}
	out.Binaries = make(map[string]Binary, len(c.Binaries))
	for k, v := range c.Binaries {
		v.Imports = append([]Import(nil), v.Imports...)
		out.Binaries[k] = v
	}
	out.Preloaded = append([]string(nil), c.Preloaded...)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
