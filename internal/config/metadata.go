package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Dim is one dimension of a declared tensor shape. ONNX-style metadata
// mixes fixed sizes with symbolic names ("batch", "sequence",
// "past_sequence"), so a Dim is either Size >= 0 or a Symbol.
type Dim struct {
	Size   int
	Symbol string
}

// Fixed reports whether the dimension has a concrete size.
func (d Dim) Fixed() bool {
	return d.Symbol == ""
}

func (d *Dim) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("negative dimension %d", n)
		}
		*d = Dim{Size: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = Dim{Size: -1, Symbol: s}
		return nil
	}
	return fmt.Errorf("dimension must be an int or a symbol string, got %s", string(b))
}

func (d Dim) MarshalJSON() ([]byte, error) {
	if d.Fixed() {
		return json.Marshal(d.Size)
	}
	return json.Marshal(d.Symbol)
}

// TensorSpec declares one named input or output of a block.
type TensorSpec struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []Dim  `json:"shape"`
}

// BlockMeta is the static metadata of one block: its declared I/O and the
// transformer layer it carries (-1 for blocks with no attention layer,
// e.g. the embedding and output-projection blocks).
type BlockMeta struct {
	Layer   int          `json:"layer"`
	Inputs  []TensorSpec `json:"inputs"`
	Outputs []TensorSpec `json:"outputs"`
}

// ModelMeta is the static model description consumed from the backend's
// model distribution. It is read once at startup and never mutated.
type ModelMeta struct {
	NumKVHeads int                  `json:"num_key_value_heads"`
	HeadDim    int                  `json:"head_dim"`
	NumLayers  int                  `json:"num_layers"`
	Blocks     map[string]BlockMeta `json:"blocks"`
}

// LoadModelMeta reads and validates the model metadata JSON.
func LoadModelMeta(path string) (*ModelMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model metadata %s: %w", path, err)
	}
	var meta ModelMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse model metadata %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("model metadata %s: %w", path, err)
	}
	return &meta, nil
}

func (m *ModelMeta) Validate() error {
	if m.NumKVHeads <= 0 {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be positive)", m.NumKVHeads)
	}
	if m.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", m.HeadDim)
	}
	if m.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layers: %d (must be positive)", m.NumLayers)
	}
	if len(m.Blocks) == 0 {
		return fmt.Errorf("no blocks declared")
	}
	for id, b := range m.Blocks {
		if b.Layer >= m.NumLayers {
			return fmt.Errorf("block %s declares layer %d beyond num_layers %d", id, b.Layer, m.NumLayers)
		}
		for _, spec := range append(append([]TensorSpec{}, b.Inputs...), b.Outputs...) {
			if spec.Name == "" {
				return fmt.Errorf("block %s has an unnamed tensor spec", id)
			}
		}
	}
	return nil
}

// Block returns the metadata for a block id.
func (m *ModelMeta) Block(id string) (BlockMeta, bool) {
	b, ok := m.Blocks[id]
	return b, ok
}
