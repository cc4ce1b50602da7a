package cbor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ipfs/go-cid"
)

// Unmarshal decodes DAG-CBOR bytes back into the data model. Integers
// come back as int64, floats as float64, links as cid.Cid. Indefinite
// lengths, non-string map keys, tags other than 42, and trailing bytes
// are all rejected.
func Unmarshal(data []byte) (any, error) {
	d := &decoder{buf: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("cbor: %d trailing bytes after value", len(d.buf)-d.pos)
	}
	return v, nil
}

// UnmarshalMap decodes DAG-CBOR that must be a top-level map, the shape
// of records, commits, and firehose frames.
func UnmarshalMap(data []byte) (map[string]any, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cbor: expected map, got %T", v)
	}
	return m, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("cbor: unexpected end of input")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n uint64) ([]byte, error) {
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("cbor: unexpected end of input")
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

// header reads a major type and its argument. Additional info 31
// (indefinite length) is rejected for every major type.
func (d *decoder) header() (byte, uint64, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, 0, err
	}
	major := b >> 5
	info := b & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		v, err := d.readByte()
		return major, uint64(v), err
	case info == 25:
		raw, err := d.readBytes(2)
		if err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint16(raw)), nil
	case info == 26:
		raw, err := d.readBytes(4)
		if err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint32(raw)), nil
	case info == 27:
		raw, err := d.readBytes(8)
		if err != nil {
			return 0, 0, err
		}
		return major, binary.BigEndian.Uint64(raw), nil
	default:
		return 0, 0, fmt.Errorf("cbor: indefinite or reserved length (info %d)", info)
	}
}

func (d *decoder) value() (any, error) {
	start := d.pos
	major, arg, err := d.header()
	if err != nil {
		return nil, err
	}
	switch major {
	case 0:
		if arg > math.MaxInt64 {
			return nil, fmt.Errorf("cbor: unsigned int %d overflows int64", arg)
		}
		return int64(arg), nil
	case 1:
		if arg > math.MaxInt64 {
			return nil, fmt.Errorf("cbor: negative int argument %d overflows int64", arg)
		}
		return -1 - int64(arg), nil
	case 2:
		raw, err := d.readBytes(arg)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	case 3:
		raw, err := d.readBytes(arg)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case 4:
		arr := make([]any, 0, arg)
		for i := uint64(0); i < arg; i++ {
			item, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case 5:
		return d.mapValue(arg)
	case 6:
		if arg != linkTag {
			return nil, fmt.Errorf("cbor: unknown tag %d", arg)
		}
		return d.link()
	case 7:
		return d.simple(d.buf[start]&0x1f, arg)
	default:
		return nil, fmt.Errorf("cbor: bad major type %d", major)
	}
}

func (d *decoder) mapValue(count uint64) (map[string]any, error) {
	m := make(map[string]any, count)
	for i := uint64(0); i < count; i++ {
		major, arg, err := d.header()
		if err != nil {
			return nil, err
		}
		if major != 3 {
			return nil, fmt.Errorf("cbor: map key has major type %d, want text string", major)
		}
		raw, err := d.readBytes(arg)
		if err != nil {
			return nil, err
		}
		key := string(raw)
		if _, exists := m[key]; exists {
			return nil, fmt.Errorf("cbor: duplicate map key %q", key)
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		m[key] = val
	}
	return m, nil
}

// link reads the byte string under a tag 42: identity prefix 0x00 plus
// the raw CID.
func (d *decoder) link() (cid.Cid, error) {
	major, arg, err := d.header()
	if err != nil {
		return cid.Undef, err
	}
	if major != 2 {
		return cid.Undef, fmt.Errorf("cbor: link tag over major type %d, want byte string", major)
	}
	raw, err := d.readBytes(arg)
	if err != nil {
		return cid.Undef, err
	}
	if len(raw) < 1 || raw[0] != 0x00 {
		return cid.Undef, fmt.Errorf("cbor: link missing identity multibase prefix")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("cbor: cast link cid: %w", err)
	}
	return c, nil
}

func (d *decoder) simple(info byte, arg uint64) (any, error) {
	switch info {
	case 20:
		return false, nil
	case 21:
		return true, nil
	case 22:
		return nil, nil
	case 27:
		return math.Float64frombits(arg), nil
	default:
		return nil, fmt.Errorf("cbor: unsupported simple value (info %d)", info)
	}
}
