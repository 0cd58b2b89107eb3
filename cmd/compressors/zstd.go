package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec handles Zstandard streams
type ZstdCodec struct {
	workers int
}

// NewZstdCodec creates a new Zstandard codec
func NewZstdCodec() *ZstdCodec {
	return &ZstdCodec{
		workers: 4,
	}
}

// WithWorkers sets the number of encoder goroutines
func (c *ZstdCodec) WithWorkers(workers int) *ZstdCodec {
	c.workers = workers
	return c
}

func (c *ZstdCodec) Name() string { return "zstd" }

func (c *ZstdCodec) Extension() string { return ".zst" }

// DefaultLevel maps to zstd.SpeedDefault
func (c *ZstdCodec) DefaultLevel() int { return 3 }

func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (c *ZstdCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(encoderLevel(level)),
		zstd.WithEncoderConcurrency(c.workers))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return encoder, nil
}

func (c *ZstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return decoder.IOReadCloser(), nil
}
