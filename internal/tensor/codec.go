package tensor

import (
	"encoding/base64"
	"fmt"
)

// Wire format field names. A tensor travels as
// {"_tensor_": true, "dtype": "...", "shape": [...], "data_b64": "..."}
// with raw little-endian bytes in the payload. Everything else in a
// request body passes through the codec unchanged.
const (
	markerKey = "_tensor_"
	dtypeKey  = "dtype"
	shapeKey  = "shape"
	dataKey   = "data_b64"
)

// FormatError reports a malformed encoded tensor, most importantly a
// payload whose byte length disagrees with shape x itemsize. It is never
// silently coerced.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "tensor format error: " + e.Reason
}

// Encode converts a value into its transport-safe form. A *Tensor becomes
// the wire map; slices and string-keyed maps are walked recursively so
// callers can mix tensors and plain JSON values in one container; all
// other values pass through unchanged.
func Encode(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case *Tensor:
		if x == nil {
			return nil, nil
		}
		if err := x.Validate(); err != nil {
			return nil, &FormatError{Reason: err.Error()}
		}
		shape := make([]interface{}, len(x.Shape))
		for i, d := range x.Shape {
			shape[i] = d
		}
		return map[string]interface{}{
			markerKey: true,
			dtypeKey:  string(x.DType),
			shapeKey:  shape,
			dataKey:   base64.StdEncoding.EncodeToString(x.Data),
		}, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			enc, err := Encode(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			enc, err := Encode(e)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	default:
		return v, nil
	}
}

// Decode is the inverse of Encode. Maps carrying the tensor marker become
// *Tensor values; other containers are walked recursively; plain values
// pass through unchanged.
func Decode(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		if isMarked(x) {
			return decodeTensor(x)
		}
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			dec, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			dec, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

// EncodeMap encodes a named tensor map into a wire-ready map.
func EncodeMap(tensors map[string]*Tensor) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(tensors))
	for name, t := range tensors {
		enc, err := Encode(t)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

// DecodeMap decodes a wire map into named tensors. Non-tensor entries are
// skipped; the executor only consumes tensor inputs.
func DecodeMap(raw map[string]interface{}) (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(raw))
	for name, v := range raw {
		dec, err := Decode(v)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
		if t, ok := dec.(*Tensor); ok {
			out[name] = t
		}
	}
	return out, nil
}

func isMarked(m map[string]interface{}) bool {
	v, ok := m[markerKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func decodeTensor(m map[string]interface{}) (*Tensor, error) {
	dtypeRaw, ok := m[dtypeKey].(string)
	if !ok {
		return nil, &FormatError{Reason: "missing or non-string dtype"}
	}
	dtype := DType(dtypeRaw)
	if !dtype.Valid() {
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported dtype %q", dtypeRaw)}
	}

	shape, err := decodeShape(m[shapeKey])
	if err != nil {
		return nil, err
	}

	dataRaw, ok := m[dataKey].(string)
	if !ok {
		return nil, &FormatError{Reason: "missing or non-string data_b64"}
	}
	data, err := base64.StdEncoding.DecodeString(dataRaw)
	if err != nil {
		return nil, &FormatError{Reason: "invalid base64 payload: " + err.Error()}
	}

	want := NumElems(shape) * dtype.ItemSize()
	if len(data) != want {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"payload is %d bytes, shape %v with dtype %s requires %d", len(data), shape, dtype, want)}
	}

	return &Tensor{DType: dtype, Shape: shape, Data: data}, nil
}

// decodeShape accepts []int (in-process), []interface{} of float64 (JSON
// numbers) or ints.
func decodeShape(v interface{}) ([]int, error) {
	switch s := v.(type) {
	case nil:
		return nil, &FormatError{Reason: "missing shape"}
	case []int:
		return append([]int(nil), s...), nil
	case []interface{}:
		out := make([]int, len(s))
		for i, e := range s {
			switch n := e.(type) {
			case float64:
				if n < 0 || n != float64(int(n)) {
					return nil, &FormatError{Reason: fmt.Sprintf("invalid shape dimension %v", n)}
				}
				out[i] = int(n)
			case int:
				if n < 0 {
					return nil, &FormatError{Reason: fmt.Sprintf("negative shape dimension %d", n)}
				}
				out[i] = n
			case int64:
				out[i] = int(n)
			default:
				return nil, &FormatError{Reason: fmt.Sprintf("non-numeric shape dimension %T", e)}
			}
		}
		return out, nil
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("shape has unexpected type %T", v)}
	}
}
