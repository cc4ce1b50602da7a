// Package repo implements the repository engine: content-addressed
// block storage, record canonicalization, signed commits over a Merkle
// Search Tree root, CARv1 export, and the per-DID write pipeline.
package repo

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/quartz-pds/internal/cbor"
	"github.com/primal-host/quartz-pds/internal/cidutil"
)

// RecordFromJSON parses record JSON into the data model used for
// canonical encoding. {"$link": "b..."} objects become CIDs and
// {"$bytes": "..."} objects become raw bytes; numbers become int64
// when integral, float64 otherwise.
func RecordFromJSON(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("record: parse json: %w", err)
	}
	converted, err := fromJSONValue(v)
	if err != nil {
		return nil, err
	}
	m, ok := converted.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record: top level is %T, want object", converted)
	}
	return m, nil
}

func fromJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if link, ok := x["$link"].(string); ok {
				c, err := cidutil.Parse(link)
				if err != nil {
					return nil, fmt.Errorf("record: bad $link: %w", err)
				}
				return c, nil
			}
			if b64, ok := x["$bytes"].(string); ok {
				raw, err := base64.RawStdEncoding.DecodeString(b64)
				if err != nil {
					return nil, fmt.Errorf("record: bad $bytes: %w", err)
				}
				return raw, nil
			}
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			converted, err := fromJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			converted, err := fromJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("record: bad number %q: %w", x.String(), err)
		}
		return f, nil
	default:
		return v, nil
	}
}

// RecordToJSON renders a data-model map back to JSON, escaping CIDs
// and raw bytes into their $link and $bytes forms.
func RecordToJSON(m map[string]any) ([]byte, error) {
	converted, err := toJSONValue(m)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(converted)
	if err != nil {
		return nil, fmt.Errorf("record: render json: %w", err)
	}
	return out, nil
}

func toJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			converted, err := toJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			converted, err := toJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case cid.Cid:
		return map[string]any{"$link": x.String()}, nil
	case []byte:
		return map[string]any{"$bytes": base64.RawStdEncoding.EncodeToString(x)}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("record: cannot render %v as json", x)
		}
		return x, nil
	default:
		return v, nil
	}
}

// EncodeRecord converts a data-model map to deterministic DAG-CBOR.
func EncodeRecord(record map[string]any) ([]byte, error) {
	return cbor.Marshal(record)
}

// DecodeRecord converts DAG-CBOR bytes back to a data-model map.
func DecodeRecord(cborBytes []byte) (map[string]any, error) {
	return cbor.UnmarshalMap(cborBytes)
}
