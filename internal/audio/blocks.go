package audio

import (
	"errors"
	"fmt"
	"io"
)

// SampleReader is the read half of an InputStream
type SampleReader interface {
	Read(p []float32) (int, error)
}

// BlockReader assembles fixed-size blocks from a sample stream. A trailing
// partial block at end of stream is discarded.
type BlockReader struct {
	r         SampleReader
	buf       []float32
	scratch   []float32
	blockSize int
	eof       bool

	// OnRead, when set, sees every raw read before it is buffered
	OnRead func(samples []float32)
}

// NewBlockReader creates a reader that emits blocks of blockSize samples
func NewBlockReader(r SampleReader, blockSize int) *BlockReader {
	readSize := blockSize
	if readSize > 512 {
		readSize = 512
	}
	return &BlockReader{
		r:         r,
		blockSize: blockSize,
		buf:       make([]float32, 0, blockSize*2),
		scratch:   make([]float32, readSize),
	}
}

// BlockSize returns the number of samples per block
func (b *BlockReader) BlockSize() int {
	return b.blockSize
}

// ReadBlock returns the next full block. The returned slice is owned by the
// caller.
func (b *BlockReader) ReadBlock() ([]float32, error) {
	if b.blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", b.blockSize)
	}

	for len(b.buf) < b.blockSize && !b.eof {
		n, err := b.r.Read(b.scratch)
		if n > 0 {
			if b.OnRead != nil {
				b.OnRead(b.scratch[:n])
			}
			b.buf = append(b.buf, b.scratch[:n]...)
		}
		if errors.Is(err, io.EOF) {
			b.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if len(b.buf) < b.blockSize {
		b.buf = b.buf[:0]
		return nil, io.EOF
	}

	block := make([]float32, b.blockSize)
	copy(block, b.buf[:b.blockSize])
	b.buf = append(b.buf[:0], b.buf[b.blockSize:]...)
	return block, nil
}
