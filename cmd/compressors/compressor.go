// Package compressors provides the streaming codecs used for chunk-outcome exports.
package compressors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Codec wraps streams with one compression format.
type Codec interface {
	// Name is the value accepted by Get, e.g. "zstd"
	Name() string

	// Extension returns the file suffix including the dot, or "" for no compression
	Extension() string

	// DefaultLevel returns the level used when none is configured
	DefaultLevel() int

	// NewWriter compresses everything written to the returned writer into w.
	// Closing it flushes the stream but does not close w.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)

	// NewReader decompresses r.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = []Codec{
	NewZstdCodec(),
	NewLZ4Codec(),
	NewGzipCodec(),
	NewNoneCodec(),
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, name)
}

// ForPath picks the codec matching the file extension of path. Paths without a known
// compression suffix use the none codec.
func ForPath(path string) Codec {
	for _, c := range codecs {
		if ext := c.Extension(); ext != "" && strings.HasSuffix(path, ext) {
			return c
		}
	}
	return NewNoneCodec()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
