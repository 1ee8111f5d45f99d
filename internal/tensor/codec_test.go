package tensor

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllDTypes(t *testing.T) {
	cases := []struct {
		name   string
		tensor *Tensor
	}{
		{"float32_matrix", FromFloat32([]int{2, 3}, []float32{1, -2.5, 3.25, 0, 1e-7, -1e7})},
		{"float16_vector", FromFloat16([]int{4}, []float32{0.5, -1.5, 2, 65504})},
		{"int32_vector", FromInt32([]int{3}, []int32{-1, 0, 2147483647})},
		{"int64_vector", FromInt64([]int{2}, []int64{-9223372036854775808, 42})},
		{"zero_length", New(Float32, 1, 8, 0, 64)},
		{"scalar_0d", FromInt64(nil, []int64{7})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := Encode(tc.tensor)
			require.NoError(t, err)

			// Round-trip through JSON exactly as the transport does.
			body, err := json.Marshal(enc)
			require.NoError(t, err)
			var raw interface{}
			require.NoError(t, json.Unmarshal(body, &raw))

			dec, err := Decode(raw)
			require.NoError(t, err)

			got, ok := dec.(*Tensor)
			require.True(t, ok, "decoded value is %T, want *Tensor", dec)
			assert.Equal(t, tc.tensor.DType, got.DType)
			assert.Equal(t, tc.tensor.Elems(), got.Elems())
			assert.True(t, bytes.Equal(tc.tensor.Data, got.Data), "payload bytes differ")
		})
	}
}

func TestDecodeByteLengthMismatch(t *testing.T) {
	enc, err := Encode(FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4}))
	require.NoError(t, err)

	m := enc.(map[string]interface{})
	m["shape"] = []interface{}{float64(2), float64(3)} // 24 bytes expected, 16 present

	_, err = Decode(m)
	require.Error(t, err)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

func TestDecodeRejectsBadFields(t *testing.T) {
	base := func() map[string]interface{} {
		enc, _ := Encode(FromInt32([]int{1}, []int32{5}))
		return enc.(map[string]interface{})
	}

	for name, mutate := range map[string]func(map[string]interface{}){
		"bad_dtype":   func(m map[string]interface{}) { m["dtype"] = "complex128" },
		"no_shape":    func(m map[string]interface{}) { delete(m, "shape") },
		"bad_base64":  func(m map[string]interface{}) { m["data_b64"] = "@@@" },
		"float_shape": func(m map[string]interface{}) { m["shape"] = []interface{}{1.5} },
	} {
		t.Run(name, func(t *testing.T) {
			m := base()
			mutate(m)
			_, err := Decode(m)
			var fe *FormatError
			require.ErrorAs(t, err, &fe)
		})
	}
}

func TestPlainValuesPassThrough(t *testing.T) {
	payload := map[string]interface{}{
		"session_id": "s1",
		"step":       float64(3),
		"flags":      []interface{}{true, nil, "x"},
		"nested":     map[string]interface{}{"ratio": 0.5},
	}

	enc, err := Encode(payload)
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, payload, dec)
}

func TestMixedContainer(t *testing.T) {
	payload := map[string]interface{}{
		"hidden_states": FromFloat32([]int{1, 2}, []float32{1, 2}),
		"step":          7,
	}
	enc, err := Encode(payload)
	require.NoError(t, err)

	dec, err := Decode(enc)
	require.NoError(t, err)
	m := dec.(map[string]interface{})
	_, isTensor := m["hidden_states"].(*Tensor)
	assert.True(t, isTensor)
	assert.Equal(t, 7, m["step"])
}
