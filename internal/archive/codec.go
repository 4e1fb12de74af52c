package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to an encoded parquet file.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecLZ4    Codec = "lz4"
	CodecZstd   Codec = "zstd"
	CodecGzip   Codec = "gzip"
)

// ParseCodec parses a codec name. The empty string means CodecNone.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecNone:
		return CodecNone, nil
	case CodecSnappy, CodecLZ4, CodecZstd, CodecGzip:
		return Codec(s), nil
	}
	return "", fmt.Errorf("archive: unknown codec %q", s)
}

// extension is the object key suffix after ".parquet".
func (c Codec) extension() string {
	if c == CodecNone || c == "" {
		return ""
	}
	return "." + string(c)
}

func (c Codec) compress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CodecGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("archive: unsupported codec %q", c)
	}
}

func (c Codec) decompress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return snappy.Decode(nil, data)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CodecGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("archive: unsupported codec %q", c)
	}
}
