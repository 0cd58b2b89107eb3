package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// GzipCodec handles gzip streams
type GzipCodec struct{}

// NewGzipCodec creates a new gzip codec
func NewGzipCodec() *GzipCodec {
	return &GzipCodec{}
}

func (c *GzipCodec) Name() string { return "gzip" }

func (c *GzipCodec) Extension() string { return ".gz" }

func (c *GzipCodec) DefaultLevel() int { return gzip.DefaultCompression }

// NewWriter creates a gzip writer. Levels outside 1-9 use the default.
func (c *GzipCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = c.DefaultLevel()
	}

	writer, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return writer, nil
}

func (c *GzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	reader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return reader, nil
}
