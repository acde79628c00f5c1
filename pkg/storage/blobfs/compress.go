package blobfs

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how blob files are encoded at rest.
type Compression string

// Compression modes.
const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown blob compression %q", s)
	}
}

// Every blob file starts with one tag byte naming its encoding, so a store
// can read files written under a different compression setting.
const (
	tagNone byte = 0
	tagLZ4  byte = 1
	tagZstd byte = 2
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blobfs: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blobfs: zstd decoder initialization failed: " + err.Error())
	}
}

// encode returns the on-disk form of content. Content that does not shrink
// is stored uncompressed.
func encode(content []byte, c Compression) []byte {
	switch c {
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(content, []byte{tagZstd})
		if len(out)-1 < len(content) {
			return out
		}
	case CompressionLZ4:
		dst := make([]byte, 1+lz4.CompressBlockBound(len(content)))
		n, err := lz4.CompressBlock(content, dst[1:], nil)
		if err == nil && n > 0 && n < len(content) {
			dst[0] = tagLZ4
			return dst[:1+n]
		}
	}
	out := make([]byte, 1+len(content))
	out[0] = tagNone
	copy(out[1:], content)
	return out
}

// decode reverses encode. size is the logical content length recorded in
// metadata.
func decode(raw []byte, size int64) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("blob file is empty")
	}
	payload := raw[1:]
	switch raw[0] {
	case tagNone:
		return payload, nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case tagLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown blob encoding tag %d", raw[0])
	}
}
