package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// CanonicalJSON encodes a value as canonical JSON: UTF-8, object keys sorted
// lexicographically, no insignificant whitespace, integers in base 10 and
// floats in the shortest round-trip form. Two structurally equal values
// always produce identical bytes, which keeps event hashes stable across
// processes and replays.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCanonical parses a JSON document the way the canonical encoder
// expects it back: numbers become json.Number so their textual form survives
// a decode/encode round trip.
func DecodeCanonical(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch typed := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if typed {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeJSONString(buf, typed)
	case json.Number:
		buf.WriteString(typed.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(typed), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(typed), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(typed, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(typed, 10))
	case float32:
		return writeCanonicalFloat(buf, float64(typed))
	case float64:
		return writeCanonicalFloat(buf, typed)
	case map[string]any:
		return writeCanonicalObject(buf, typed)
	case []any:
		buf.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonical encoding: unsupported type %T", v)
	}
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonicalFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical encoding: non-finite float %v", f)
	}
	// Integral floats keep a fractional digit so a value declared as
	// "number" never collapses into the integer form.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatFloat(f, 'f', 1, 64))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}
