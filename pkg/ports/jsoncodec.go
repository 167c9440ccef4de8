package ports

import "encoding/json"

// JSONCodec is the default Codec: it marshals/unmarshals the opaque
// execution payload as JSON. A real deployment's wire codec (thrift, in
// the source system) implements the same interface.
type JSONCodec struct{}

// NewJSONCodec returns a JSONCodec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
