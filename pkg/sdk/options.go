package sdk

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Codec encodes and decodes payloads exchanged over sockets and HTTP bodies.
// The bus never consults it; it rides along on every event for consumers.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

type YAMLCodec struct{}

func (YAMLCodec) Name() string                    { return "yaml" }
func (YAMLCodec) Encode(v any) ([]byte, error)    { return yaml.Marshal(v) }
func (YAMLCodec) Decode(data []byte, v any) error { return yaml.Unmarshal(data, v) }

// CodecByName resolves a configured codec name. The empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "yaml":
		return YAMLCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// Options is the resolved configuration attached to every event.
type Options struct {
	// Addr is the address the runtime listens on.
	Addr  string
	Codec Codec
}

func (o Options) codec() Codec {
	if o.Codec == nil {
		return JSONCodec{}
	}
	return o.Codec
}

// Encode uses the configured codec, JSON when unset.
func (o Options) Encode(v any) ([]byte, error) { return o.codec().Encode(v) }

// Decode uses the configured codec, JSON when unset.
func (o Options) Decode(data []byte, v any) error { return o.codec().Decode(data, v) }
