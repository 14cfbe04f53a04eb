// Package compress wraps backup payload streams in the configured codec.
package compress

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	Gzip = "gzip"
	Zstd = "zstd"
	None = "none"
)

// ErrUnknownCodec is returned by Lookup for names it does not know.
var ErrUnknownCodec = errors.New("unknown compression codec")

// Codec turns a plain SQL stream into a compressed one and back.
type Codec interface {
	Name() string
	// Extension is appended to ".sql" in payload filenames.
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Lookup returns the codec for name. An empty name means None.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case Gzip:
		return gzipCodec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	case None, "":
		return plainCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// ForFilename picks the codec from a payload filename's extension.
func ForFilename(filename string) Codec {
	switch {
	case strings.HasSuffix(filename, ".gz"):
		return gzipCodec{}
	case strings.HasSuffix(filename, ".zst"):
		return zstdCodec{}
	default:
		return plainCodec{}
	}
}

type gzipCodec struct{}

func (gzipCodec) Name() string      { return Gzip }
func (gzipCodec) Extension() string { return ".gz" }

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	return zr, nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string      { return Zstd }
func (zstdCodec) Extension() string { return ".zst" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zstandard writer: %w", err)
	}
	return zw, nil
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zstandard reader: %w", err)
	}
	return zr.IOReadCloser(), nil
}

type plainCodec struct{}

func (plainCodec) Name() string      { return None }
func (plainCodec) Extension() string { return "" }

func (plainCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (plainCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
