package codec

import (
	"bytes"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

type rawEntry struct {
	key   []byte
	value []byte
}

// canonicalize rewrites one encoded msgpack value from d into w with every map's entries ordered by their
// encoded keys. The encoder only sorts a few map types itself; this covers all of them, struct maps included.
func canonicalize(d *msgpack.Decoder, w *bytes.Buffer) error {
	code, err := d.PeekCode()
	if err != nil {
		return eris.Wrap(err, "")
	}
	enc := msgpack.NewEncoder(w)

	switch {
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := d.DecodeMapLen()
		if err != nil {
			return eris.Wrap(err, "")
		}
		entries := make([]rawEntry, n)
		for i := range entries {
			var k, v bytes.Buffer
			if err := canonicalize(d, &k); err != nil {
				return err
			}
			if err := canonicalize(d, &v); err != nil {
				return err
			}
			entries[i] = rawEntry{key: k.Bytes(), value: v.Bytes()}
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].key, entries[j].key) < 0
		})
		if err := enc.EncodeMapLen(n); err != nil {
			return eris.Wrap(err, "")
		}
		for _, e := range entries {
			w.Write(e.key)
			w.Write(e.value)
		}
		return nil

	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := d.DecodeArrayLen()
		if err != nil {
			return eris.Wrap(err, "")
		}
		if err := enc.EncodeArrayLen(n); err != nil {
			return eris.Wrap(err, "")
		}
		for i := 0; i < n; i++ {
			if err := canonicalize(d, w); err != nil {
				return err
			}
		}
		return nil

	default:
		raw, err := d.DecodeRaw()
		if err != nil {
			return eris.Wrap(err, "")
		}
		w.Write(raw)
		return nil
	}
}
