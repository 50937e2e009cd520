package bus

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payload framing: one marker byte, then the body. Small payloads are
// stored raw; larger ones are zstd-compressed.
const (
	codecRaw  = 0x00
	codecZstd = 0x01

	compressThreshold = 4 * 1024
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("bus: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("bus: init zstd decoder: %v", err))
	}
}

// encodePayload frames data for storage, compressing when it pays off.
func encodePayload(data []byte) []byte {
	if len(data) < compressThreshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, codecRaw)
		return append(out, data...)
	}
	out := make([]byte, 1, len(data)/2+1)
	out[0] = codecZstd
	return encoder.EncodeAll(data, out)
}

// decodePayload reverses encodePayload.
func decodePayload(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	switch stored[0] {
	case codecRaw:
		return stored[1:], nil
	case codecZstd:
		return decoder.DecodeAll(stored[1:], nil)
	default:
		return nil, fmt.Errorf("bus: unknown payload marker 0x%02x", stored[0])
	}
}
