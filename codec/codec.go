package codec

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns payloads and component values into bytes and back.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(bz []byte, v any) error
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

const (
	jsonName    = "json"
	msgpackName = "msgpack"
)

// Parse returns the codec registered under the given name.
func Parse(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case jsonName:
		return JSON, nil
	case msgpackName:
		return MsgPack, nil
	default:
		return nil, eris.Errorf("unknown codec: %q (must be %q or %q)", name, jsonName, msgpackName)
	}
}

func Decode[T any](bz []byte) (T, error) {
	return DecodeWith[T](JSON, bz)
}

func Encode(v any) ([]byte, error) {
	return JSON.Marshal(v)
}

// DecodeWith unmarshals bz into a new T using c.
func DecodeWith[T any](c Codec, bz []byte) (T, error) {
	v := new(T)
	if err := c.Unmarshal(bz, v); err != nil {
		return *v, err
	}
	return *v, nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	return bz, nil
}

func (jsonCodec) Unmarshal(bz []byte, v any) error {
	return eris.Wrap(json.Unmarshal(bz, v), "")
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return msgpackName }

// Marshal orders the entries of every map so equal values always encode to equal bytes.
func (msgpackCodec) Marshal(v any) ([]byte, error) {
	bz, err := msgpack.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	var buf bytes.Buffer
	buf.Grow(len(bz))
	if err := canonicalize(msgpack.NewDecoder(bytes.NewReader(bz)), &buf); err != nil {
		return nil, eris.Wrap(err, "failed to canonicalize msgpack")
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(bz []byte, v any) error {
	return eris.Wrap(msgpack.Unmarshal(bz, v), "")
}
