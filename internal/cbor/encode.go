// Package cbor implements the deterministic DAG-CBOR subset the
// repository engine depends on: definite lengths everywhere, map keys
// sorted shorter-first then bytewise, floats as 64-bit only, and IPLD
// links as tag 42 over the raw CID bytes with a multibase identity
// prefix. Every structure the server hashes (records, MST nodes,
// commits, firehose frames) round-trips through this package, so two
// encodings of the same value are always byte-identical.
package cbor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

const linkTag = 42

// Marshal encodes a value from the repository data model into
// deterministic DAG-CBOR. Supported Go types: nil, bool, int, int64,
// uint64, float64, string, []byte, []any, map[string]any, cid.Cid and
// *cid.Cid. Anything else is an error.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	cw := cbg.NewCborWriter(&buf)
	if err := encodeValue(cw, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(cw *cbg.CborWriter, v any) error {
	switch x := v.(type) {
	case nil:
		_, err := cw.Write([]byte{0xf6})
		return err
	case bool:
		b := byte(0xf4)
		if x {
			b = 0xf5
		}
		_, err := cw.Write([]byte{b})
		return err
	case int:
		return encodeInt(cw, int64(x))
	case int64:
		return encodeInt(cw, x)
	case uint64:
		return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, x)
	case float64:
		return encodeFloat(cw, x)
	case string:
		return writeTextString(cw, x)
	case []byte:
		return writeByteString(cw, x)
	case []any:
		if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(x))); err != nil {
			return err
		}
		for _, item := range x {
			if err := encodeValue(cw, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return encodeMap(cw, x)
	case cid.Cid:
		return encodeLink(cw, x)
	case *cid.Cid:
		if x == nil {
			_, err := cw.Write([]byte{0xf6})
			return err
		}
		return encodeLink(cw, *x)
	default:
		return fmt.Errorf("cbor: unsupported type %T", v)
	}
}

func encodeInt(cw *cbg.CborWriter, i int64) error {
	if i >= 0 {
		return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(i))
	}
	return cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-1-i))
}

// encodeFloat always emits the 64-bit form (0xfb). NaN and infinities
// have no place in the data model.
func encodeFloat(cw *cbg.CborWriter, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cbor: cannot encode %v", f)
	}
	var b [9]byte
	b[0] = 0xfb
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(f))
	_, err := cw.Write(b[:])
	return err
}

// encodeMap writes entries with keys ordered shorter-first, bytewise
// within equal lengths. This is the DAG-CBOR canonical map order and is
// deliberately different from the plain bytewise order used for MST
// keys.
func encodeMap(cw *cbg.CborWriter, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortMapKeys(keys)

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, uint64(len(m))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeTextString(cw, k); err != nil {
			return err
		}
		if err := encodeValue(cw, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortMapKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
}

// encodeLink writes tag 42 over a byte string holding the identity
// multibase prefix (0x00) plus the 36 raw CID bytes.
func encodeLink(cw *cbg.CborWriter, c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("cbor: cannot encode undefined cid as link")
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajTag, linkTag); err != nil {
		return err
	}
	raw := c.Bytes()
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(raw)+1)); err != nil {
		return err
	}
	if _, err := cw.Write([]byte{0x00}); err != nil {
		return err
	}
	_, err := cw.Write(raw)
	return err
}

func writeTextString(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(s))
	return err
}

func writeByteString(cw *cbg.CborWriter, b []byte) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := cw.Write(b)
	return err
}
