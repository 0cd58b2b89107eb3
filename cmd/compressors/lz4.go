package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

var lz4Levels = []lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// LZ4Codec handles LZ4 frame streams
type LZ4Codec struct{}

// NewLZ4Codec creates a new LZ4 codec
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{}
}

func (c *LZ4Codec) Name() string { return "lz4" }

func (c *LZ4Codec) Extension() string { return ".lz4" }

// DefaultLevel is fast compression
func (c *LZ4Codec) DefaultLevel() int { return 1 }

// NewWriter creates a streaming lz4 compression writer
func (c *LZ4Codec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)

	if level >= 1 && level <= 9 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4Levels[level-1])); err != nil {
			return nil, fmt.Errorf("failed to apply compression level: %w", err)
		}
	}

	return writer, nil
}

func (c *LZ4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
