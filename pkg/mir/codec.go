package mir

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// CodecVersion is written into every serialized graph.
const CodecVersion = 1

type envelope struct {
	Version int    `msgpack:"version"`
	Graph   *Graph `msgpack:"graph"`
}

// Encode writes g to w using msgpack.
func Encode(w io.Writer, g *Graph) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(envelope{Version: CodecVersion, Graph: g}); err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	return nil
}

// Decode reads a graph written by Encode. Cached lists of the result are
// dirty; structural validation is left to the caller.
func Decode(r io.Reader) (*Graph, error) {
	var env envelope
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	if env.Version != CodecVersion {
		return nil, fmt.Errorf("unsupported graph version %d", env.Version)
	}
	if env.Graph == nil {
		return nil, fmt.Errorf("failed to decode graph: empty payload")
	}
	for _, b := range env.Graph.Blocks {
		if b != nil {
			b.listsDirty = true
		}
	}
	env.Graph.predsValid = false
	return env.Graph, nil
}

// Marshal returns the msgpack form of g.
func Marshal(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses the msgpack form produced by Marshal.
func Unmarshal(data []byte) (*Graph, error) {
	return Decode(bytes.NewReader(data))
}
