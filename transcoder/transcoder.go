// Package transcoder implements the payload serialization/compression
// layer shared by every channel.
//
// It plays the role the teacher's codec package played (pluggable
// Codec with a JSON and a binary implementation), generalized to the
// spec's Transcoder contract: encode returns not just bytes but the
// serializer and compression ids that go in the packet header, and
// decode takes those ids back to pick the right reverse path. A
// threshold-gated compression step — absent from the teacher — sits
// between serialization and the wire.
package transcoder

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Serializer ids, stored in packet.Header.Serializer.
const (
	SerializerJSON byte = 1
)

// Compression ids, stored in packet.Header.Compression.
const (
	CompressionNone byte = 0
	CompressionS2   byte = 1 // substitutes LZF, see SPEC_FULL.md §4.2
)

// DefaultThreshold is the serialized-byte-length above which compression
// is applied. Bodies at or below the threshold are sent verbatim.
const DefaultThreshold = 65536

// CompressionSink receives compression savings — see the monitor package
// for the default implementation. Transcoder itself only needs something
// narrow enough to report a delta to.
type CompressionSink interface {
	ObserveSaved(bytesSaved int64)
}

type noopSink struct{}

func (noopSink) ObserveSaved(int64) {}

// Transcoder serializes argument lists / results for the wire and
// reverses the process on receipt.
type Transcoder struct {
	threshold int
	sink      CompressionSink
}

// New creates a Transcoder with the default compression threshold and no
// compression monitor. Use Options to override either.
func New(opts ...Option) *Transcoder {
	t := &Transcoder{threshold: DefaultThreshold, sink: noopSink{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Option configures a Transcoder at construction time.
type Option func(*Transcoder)

// WithThreshold overrides the compression threshold.
func WithThreshold(n int) Option {
	return func(t *Transcoder) { t.threshold = n }
}

// WithCompressionSink wires a monitor to receive compression savings.
func WithCompressionSink(sink CompressionSink) Option {
	return func(t *Transcoder) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// Encode serializes v with the default serializer (JSON, a self-describing
// object-graph format analogous to the Java serializer the spec assumes),
// then compresses the result with S2 when it exceeds the threshold.
func (t *Transcoder) Encode(v interface{}) (serializerID, compressionID byte, body []byte, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("transcoder: serialize: %w", err)
	}

	if len(raw) <= t.threshold {
		return SerializerJSON, CompressionNone, raw, nil
	}

	compressed := s2.Encode(nil, raw)
	if saved := int64(len(raw) - len(compressed)); saved > 0 {
		t.sink.ObserveSaved(saved)
	}
	return SerializerJSON, CompressionS2, compressed, nil
}

// Decode reverses Encode: decompress (if compressionID says to), then
// deserialize into v using the serializer named by serializerID.
func (t *Transcoder) Decode(body []byte, serializerID, compressionID byte, v interface{}) error {
	raw := body
	if compressionID != CompressionNone {
		if compressionID != CompressionS2 {
			return fmt.Errorf("transcoder: unsupported codec: compression id %d", compressionID)
		}
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("transcoder: decompress: %w", err)
		}
		raw = decoded
	}

	switch serializerID {
	case SerializerJSON:
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("transcoder: deserialize: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("transcoder: unsupported codec: serializer id %d", serializerID)
	}
}
