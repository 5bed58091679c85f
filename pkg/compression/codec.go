package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var ErrUnknownCodec = errors.New("compression: unknown codec")

// Codec names the algorithm a snapshot body is compressed with.
type Codec uint8

const (
	None Codec = iota
	Gzip
	Zstd
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func (c Codec) Valid() bool {
	return c <= Zstd
}

// ParseCodec maps a config name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Compress streams r into w and returns the number of bytes written to w.
func (c Codec) Compress(r io.Reader, w io.Writer) (int64, error) {
	counter := &countingWriter{w: w}

	switch c {
	case None:
		return io.Copy(w, r)
	case Gzip:
		gz := gzip.NewWriter(counter)
		if _, err := io.Copy(gz, r); err != nil {
			_ = gz.Close()
			return 0, err
		}
		if err := gz.Close(); err != nil {
			return 0, err
		}
	case Zstd:
		enc, err := zstd.NewWriter(counter)
		if err != nil {
			return 0, err
		}
		if _, err := io.Copy(enc, r); err != nil {
			_ = enc.Close()
			return 0, err
		}
		if err := enc.Close(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
	}

	return counter.n, nil
}

// Decompress streams r into w and returns the number of bytes written to w.
func (c Codec) Decompress(r io.Reader, w io.Writer) (int64, error) {
	switch c {
	case None:
		return io.Copy(w, r)
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return 0, err
		}
		defer gz.Close()
		return io.Copy(w, gz)
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return 0, err
		}
		defer dec.Close()
		return io.Copy(w, dec)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
	}
}

// Encode is Compress for in-memory buffers.
func (c Codec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.Compress(bytes.NewReader(data), &buf); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c, err)
	}
	return buf.Bytes(), nil
}

// Decode is Decompress for in-memory buffers.
func (c Codec) Decode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.Decompress(bytes.NewReader(data), &buf); err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	return buf.Bytes(), nil
}

// countingWriter tracks how many compressed bytes reached w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
