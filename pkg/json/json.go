// Package json provides high-performance JSON serialization for Strato
// statistics snapshots, backed by goccy/go-json with pooled buffers.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// bufferPool recycles encode buffers across snapshot dumps.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// Marshal serializes v to JSON using goccy/go-json.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent serializes v to indented JSON, suitable for human-readable
// statistics dumps.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal parses JSON data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// Encode writes v as JSON to w using a pooled buffer. HTML escaping is
// disabled; snapshot payloads are not embedded in markup.
func Encode(w io.Writer, v interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Decode reads JSON from r into v.
func Decode(r io.Reader, v interface{}) error {
	return gojson.NewDecoder(r).Decode(v)
}
