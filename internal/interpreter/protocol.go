package interpreter

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrTimeout = errors.New("interpreter: call timed out")
	ErrClosed  = errors.New("interpreter: bridge closed")
	ErrSandbox = errors.New("interpreter: script failed")
)

// Message is the payload evaluated by the sandbox. Args are exposed to the
// function body as parameters named after the map keys.
type Message struct {
	FunctionBody string         `json:"functionBody" msgpack:"functionBody"`
	Args         map[string]any `json:"args,omitempty" msgpack:"args,omitempty"`
}

type Request struct {
	ID      string  `json:"id" msgpack:"id"`
	Message Message `json:"message" msgpack:"message"`
}

type Response struct {
	ID       string `json:"id" msgpack:"id"`
	Success  bool   `json:"success" msgpack:"success"`
	Response any    `json:"response" msgpack:"response"`
}

// Codec encodes wire messages for a Channel.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// Binary reports whether encoded messages are binary frames.
	Binary() bool
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown interpreter codec %q", name)
	}
}

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (MsgpackCodec) Binary() bool { return true }
