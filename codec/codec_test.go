package codec_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/statesync/codec"
)

type sample struct {
	Name   string
	Score  int
	Tags   map[string]int
	Nested map[uint16]map[string]bool
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.MsgPack} {
		t.Run(c.Name(), func(t *testing.T) {
			in := sample{Name: "rock", Score: 7, Tags: map[string]int{"b": 2, "a": 1}}
			bz, err := c.Marshal(in)
			assert.NilError(t, err)

			out, err := codec.DecodeWith[sample](c, bz)
			assert.NilError(t, err)
			assert.DeepEqual(t, in, out)
		})
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	build := func() sample {
		tags := make(map[string]int)
		for i, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			tags[k] = i
		}
		nested := make(map[uint16]map[string]bool)
		for k := uint16(0); k < 8; k++ {
			nested[k] = map[string]bool{"on": k%2 == 0, "off": k%2 == 1, "seen": true}
		}
		return sample{Name: "rock", Tags: tags, Nested: nested}
	}
	for _, c := range []codec.Codec{codec.JSON, codec.MsgPack} {
		t.Run(c.Name(), func(t *testing.T) {
			first, err := c.Marshal(build())
			assert.NilError(t, err)
			for i := 0; i < 50; i++ {
				again, err := c.Marshal(build())
				assert.NilError(t, err)
				assert.DeepEqual(t, first, again)
			}

			out, err := codec.DecodeWith[sample](c, first)
			assert.NilError(t, err)
			assert.DeepEqual(t, out, build())
		})
	}
}

func TestMsgPackMapsOfEveryKeyType(t *testing.T) {
	ints := map[int64]string{}
	for i := int64(-4); i < 300; i += 7 {
		ints[i] = "v"
	}
	first, err := codec.MsgPack.Marshal(ints)
	assert.NilError(t, err)
	for i := 0; i < 20; i++ {
		again, err := codec.MsgPack.Marshal(ints)
		assert.NilError(t, err)
		assert.DeepEqual(t, first, again)
	}
	out, err := codec.DecodeWith[map[int64]string](codec.MsgPack, first)
	assert.NilError(t, err)
	assert.DeepEqual(t, out, ints)
}

func TestParse(t *testing.T) {
	c, err := codec.Parse("MsgPack")
	assert.NilError(t, err)
	assert.Equal(t, c.Name(), "msgpack")

	_, err = codec.Parse("gob")
	assert.ErrorContains(t, err, "unknown codec")
}

func TestDecodeGarbage(t *testing.T) {
	_, err := codec.Decode[sample]([]byte("{not json"))
	assert.Assert(t, err != nil)
}
