// Package writeback implements the extent write pipeline (spec §4.5,
// component G): per-segment compression, sector acquisition from the
// bucket allocator, replicated device writes, and the transactional
// extent-key insert that makes a write visible in the tree.
package writeback

import "github.com/blockcache/bcached/device"

// Compressor produces a compressed bounce buffer for one write segment.
// Actual codecs are out of this core's scope (spec §1 Non-goals: "out of
// scope ... compression codecs"); the pipeline only needs something
// satisfying this interface, exercised here with NoopCompressor unless a
// caller wires in a real one.
type Compressor interface {
	Compress(data []byte) (out []byte, typ device.CompressionType, err error)
}

type noopCompressor struct{}

func (noopCompressor) Compress(data []byte) ([]byte, device.CompressionType, error) {
	return data, device.CompressionNone, nil
}

// NoopCompressor performs no compression. It is the pipeline's default
// when no Compressor is configured.
var NoopCompressor Compressor = noopCompressor{}
