// Package codec provides the record encodings used for persisted queue
// items and telemetry snapshots.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes persisted records.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSON encodes records as JSON. It is the default because stored values
// stay human readable in the sqlite backend.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// MsgPack encodes records with MessagePack.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgPack) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// Cipher seals and opens encoded records.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
}

// Sealed encrypts the output of Inner with Cipher.
type Sealed struct {
	Inner  Codec
	Cipher Cipher
}

func (s Sealed) Name() string { return "sealed+" + s.Inner.Name() }

func (s Sealed) Marshal(v interface{}) ([]byte, error) {
	data, err := s.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.Cipher.Seal(data)
}

func (s Sealed) Unmarshal(data []byte, v interface{}) error {
	plain, err := s.Cipher.Open(data)
	if err != nil {
		return fmt.Errorf("open sealed record: %w", err)
	}
	return s.Inner.Unmarshal(plain, v)
}
