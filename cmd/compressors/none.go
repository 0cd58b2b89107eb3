package compressors

import "io"

// NoneCodec passes data through unchanged
type NoneCodec struct{}

// NewNoneCodec creates a pass-through codec
func NewNoneCodec() *NoneCodec {
	return &NoneCodec{}
}

func (c *NoneCodec) Name() string { return "none" }

func (c *NoneCodec) Extension() string { return "" }

func (c *NoneCodec) DefaultLevel() int { return 0 }

func (c *NoneCodec) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (c *NoneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}
