// Package json provides a pooled, goccy/go-json-backed codec used by
// cmd/runcat to decode --mongo filter documents and to write the stream
// and replay commands' output. It exists so hot encode/decode paths don't
// pay encoder/decoder allocation cost on every call.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

type pooledEncoder struct {
	encoder *gojson.Encoder
}

type pooledDecoder struct {
	decoder *gojson.Decoder
}

var (
	encoderPool = sync.Pool{New: func() interface{} { return &pooledEncoder{} }}
	decoderPool = sync.Pool{New: func() interface{} { return &pooledDecoder{} }}
	bufferPool  = sync.Pool{New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 4096)) }}
)

// GetEncoder returns a pooled encoder writing to w.
func GetEncoder(w io.Writer) *gojson.Encoder {
	pe := encoderPool.Get().(*pooledEncoder)
	pe.encoder = gojson.NewEncoder(w)
	pe.encoder.SetEscapeHTML(false)
	return pe.encoder
}

// PutEncoder returns an encoder to the pool.
func PutEncoder(enc *gojson.Encoder) {
	encoderPool.Put(&pooledEncoder{encoder: enc})
}

// GetDecoder returns a pooled decoder reading from r.
func GetDecoder(r io.Reader) *gojson.Decoder {
	pd := decoderPool.Get().(*pooledDecoder)
	pd.decoder = gojson.NewDecoder(r)
	pd.decoder.UseNumber()
	return pd.decoder
}

// PutDecoder returns a decoder to the pool.
func PutDecoder(dec *gojson.Decoder) {
	decoderPool.Put(&pooledDecoder{decoder: dec})
}

// GetBuffer returns a pooled, reset bytes.Buffer.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool. Buffers that grew past 1MB are
// dropped rather than retained indefinitely.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 {
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for encoding/json.Marshal.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for encoding/json.Unmarshal.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for encoding/json.MarshalIndent.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// MarshalToBuffer marshals v into a pooled buffer. The caller must call
// PutBuffer on the result when done.
func MarshalToBuffer(v interface{}) (*bytes.Buffer, error) {
	buf := GetBuffer()
	enc := GetEncoder(buf)
	defer PutEncoder(enc)

	if err := enc.Encode(v); err != nil {
		PutBuffer(buf)
		return nil, err
	}
	return buf, nil
}

// StreamingEncoder writes a sequence of values as a JSON array or as
// line-delimited JSON without buffering the whole sequence in memory, used
// by cmd/runcat's stream and replay commands to write their output.
type StreamingEncoder struct {
	writer  io.Writer
	encoder *gojson.Encoder
	first   bool
	isArray bool
}

// NewStreamingEncoder creates a streaming encoder over w.
func NewStreamingEncoder(w io.Writer, isArray bool) *StreamingEncoder {
	se := &StreamingEncoder{
		writer:  w,
		encoder: GetEncoder(w),
		first:   true,
		isArray: isArray,
	}
	if isArray {
		_, _ = w.Write([]byte{'['})
	}
	return se
}

// Encode writes the next value in the sequence.
func (se *StreamingEncoder) Encode(v interface{}) error {
	if se.isArray && !se.first {
		_, _ = se.writer.Write([]byte{','})
	}
	se.first = false
	return se.encoder.Encode(v)
}

// Close finalizes the sequence and returns the encoder to the pool.
func (se *StreamingEncoder) Close() error {
	if se.isArray {
		_, _ = se.writer.Write([]byte{']'})
	}
	PutEncoder(se.encoder)
	return nil
}
