package binary

import (
	"bytes"
	"context"
	"io"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/fetch"
)

// magic is the wasm binary preamble: "\0asm" followed by version 1.
var magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Strategy fetches and compiles a binary module. Fetch failures carry
// PhaseFetch, compile failures PhaseCompile.
type Strategy interface {
	Name() string
	Compile(ctx context.Context, rt wazero.Runtime, url string) (wazero.CompiledModule, error)
}

// SelectStrategy picks Streaming when the fetcher can stream bodies and
// Buffered otherwise.
func SelectStrategy(f fetch.Fetcher) Strategy {
	if s, ok := f.(fetch.Streamer); ok {
		return &Streaming{Streamer: s}
	}
	return &Buffered{Fetcher: f}
}

// Buffered downloads the whole body, then compiles it.
type Buffered struct {
	Fetcher fetch.Fetcher
}

func (b *Buffered) Name() string { return "buffered" }

func (b *Buffered) Compile(ctx context.Context, rt wazero.Runtime, url string) (wazero.CompiledModule, error) {
	code, err := b.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseFetch, errors.KindNotFound, err, "fetch "+url)
	}
	return compile(ctx, rt, code)
}

// Streaming reads the body as it arrives and rejects anything that is not a
// wasm binary as soon as the preamble is in, without waiting for the rest.
type Streaming struct {
	Streamer fetch.Streamer
}

func (s *Streaming) Name() string { return "streaming" }

func (s *Streaming) Compile(ctx context.Context, rt wazero.Runtime, url string) (wazero.CompiledModule, error) {
	body, err := s.Streamer.Open(ctx, url)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseFetch, errors.KindNotFound, err, "fetch "+url)
	}
	defer body.Close()

	header := make([]byte, len(magic))
	if _, err := io.ReadFull(body, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.InvalidData(errors.PhaseCompile, []string{url}, "truncated wasm preamble")
		}
		return nil, errors.Wrap(errors.PhaseFetch, errors.KindInvalidData, err, "read "+url)
	}
	if !bytes.Equal(header, magic) {
		return nil, errors.New(errors.PhaseCompile, errors.KindInvalidData).
			Path(url).
			Detail("not a wasm binary: preamble %x", header).
			Build()
	}

	var buf bytes.Buffer
	buf.Write(header)
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, errors.Wrap(errors.PhaseFetch, errors.KindInvalidData, err, "read "+url)
	}
	return compile(ctx, rt, buf.Bytes())
}

func compile(ctx context.Context, rt wazero.Runtime, code []byte) (wazero.CompiledModule, error) {
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "compile failed")
	}
	return compiled, nil
}
