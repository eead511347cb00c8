// Package transcode streams source files into their compressed mirror form.
package transcode

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/pool"
)

// DefaultBufferSize is the chunk size of the streaming copy.
const DefaultBufferSize = 64 * 1024

// Stats reports the volume of one Compress call.
type Stats struct {
	BytesRead    int64
	BytesWritten int64
}

// Transcoder compresses streams with one codec and level. It is safe for
// concurrent use; each call takes its own buffer from the pool.
type Transcoder struct {
	codec      Codec
	level      Level
	bufferSize int64
	bufferPool *pool.FixedBufferPool
}

// New returns a Transcoder. A bufferSize <= 0 selects DefaultBufferSize.
func New(codec Codec, level Level, bufferSize int64) *Transcoder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Transcoder{
		codec:      codec,
		level:      level,
		bufferSize: bufferSize,
		bufferPool: pool.NewFixedBuffer(bufferSize),
	}
}

func (t *Transcoder) Codec() Codec { return t.codec }
func (t *Transcoder) Level() Level { return t.level }

// Compress reads src to EOF and writes its compressed form to dst. Memory
// use is bounded by the copy buffer and the encoder's window, independent of
// the input size.
func (t *Transcoder) Compress(dst io.Writer, src io.Reader) (stats Stats, retErr error) {
	cw := &countingWriter{w: dst}
	bufWriter := bufio.NewWriterSize(cw, int(t.bufferSize))

	enc, err := t.newWriter(bufWriter)
	if err != nil {
		return stats, err
	}

	defer func() {
		if err := enc.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("%s writer close failed: %w", t.codec, err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
		stats.BytesWritten = cw.n
	}()

	bufPtr := t.bufferPool.Get()
	defer t.bufferPool.Put(bufPtr)

	// Hide WriterTo so io.CopyBuffer keeps to the pooled buffer.
	n, err := io.CopyBuffer(enc, struct{ io.Reader }{src}, *bufPtr)
	stats.BytesRead = n
	if err != nil {
		return stats, fmt.Errorf("failed to compress stream: %w", err)
	}
	return stats, nil
}

func (t *Transcoder) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch t.codec {
	case Bzip2:
		var lvl int
		switch t.level {
		case Fastest:
			lvl = bzip2.BestSpeed
		case Better:
			lvl = 7
		case Default:
			lvl = bzip2.DefaultCompression
		default:
			lvl = bzip2.BestCompression
		}
		bzWriter, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: lvl})
		if err != nil {
			return nil, fmt.Errorf("failed to create bzip2 writer: %w", err)
		}
		return bzWriter, nil
	case Gzip:
		var lvl int
		switch t.level {
		case Fastest:
			lvl = pgzip.BestSpeed
		case Better:
			lvl = 6 // Good balance
		case Default:
			lvl = pgzip.DefaultCompression
		default:
			lvl = pgzip.BestCompression
		}
		pgzipWriter, err := pgzip.NewWriterLevel(w, lvl)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return pgzipWriter, nil
	case Zstd:
		var encoderLevel zstd.EncoderLevel
		switch t.level {
		case Fastest:
			encoderLevel = zstd.SpeedFastest
		case Better:
			encoderLevel = zstd.SpeedBetterCompression
		case Default:
			encoderLevel = zstd.SpeedDefault
		default:
			encoderLevel = zstd.SpeedBestCompression
		}
		zstdWriter, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zstdWriter, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", t.codec)
	}
}

// NewReader returns a decoder for data written with codec.
func NewReader(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case Bzip2:
		bzReader, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create bzip2 reader: %w", err)
		}
		return bzReader, nil
	case Gzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case Zstd:
		zstdR, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zstdR.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// countingWriter counts the compressed bytes handed to the destination.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
