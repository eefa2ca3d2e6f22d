package interpreter

import (
	"encoding/json"
)

// JSONCodec is the default codec. encoding/json is used directly: the wire
// format is plain JSON and no library in use offers anything beyond it.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Binary() bool { return false }
