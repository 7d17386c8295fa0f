package bundle

import (
	"fmt"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"
)

// ModelConfig is the subset of a RoBERTa config.json the classifier needs.
type ModelConfig struct {
	ModelType             string            `json:"model_type"`
	Architectures         []string          `json:"architectures"`
	VocabSize             int               `json:"vocab_size"`
	HiddenSize            int               `json:"hidden_size"`
	NumHiddenLayers       int               `json:"num_hidden_layers"`
	NumAttentionHeads     int               `json:"num_attention_heads"`
	IntermediateSize      int               `json:"intermediate_size"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	TypeVocabSize         int               `json:"type_vocab_size"`
	HiddenAct             string            `json:"hidden_act"`
	LayerNormEps          float64           `json:"layer_norm_eps"`
	PadTokenID            *int              `json:"pad_token_id"`
	ID2Label              map[string]string `json:"id2label"`
	NumLabels             int               `json:"num_labels"`
	ProblemType           string            `json:"problem_type"`
}

// ParseModelConfig decodes config.json and fills in the RoBERTa defaults
// for fields older checkpoints omit.
func ParseModelConfig(data []byte) (ModelConfig, error) {
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("parse model config: %w", err)
	}
	if cfg.LayerNormEps == 0 {
		cfg.LayerNormEps = 1e-5
	}
	if cfg.PadTokenID == nil {
		pad := 1
		cfg.PadTokenID = &pad
	}
	if cfg.TypeVocabSize == 0 {
		cfg.TypeVocabSize = 1
	}
	if cfg.HiddenAct == "" {
		cfg.HiddenAct = "gelu"
	}
	for key := range cfg.ID2Label {
		if _, err := strconv.Atoi(key); err != nil {
			return ModelConfig{}, fmt.Errorf("parse model config: id2label key %q is not an integer", key)
		}
	}
	return cfg, nil
}

// Validate checks the dimensions the native encoder depends on.
func (c ModelConfig) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("model config: hidden_size must be positive")
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("model config: num_hidden_layers must be positive")
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("model config: num_attention_heads must be positive")
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("model config: hidden_size %d not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("model config: intermediate_size must be positive")
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("model config: max_position_embeddings must be positive")
	}
	if c.HiddenAct != "gelu" {
		return fmt.Errorf("model config: unsupported hidden_act %q", c.HiddenAct)
	}
	return nil
}

func (c ModelConfig) HeadDim() int {
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

func (c ModelConfig) PadID() int {
	if c.PadTokenID == nil {
		return 1
	}
	return *c.PadTokenID
}

// NumClasses is num_labels, else the id2label size, else 2.
func (c ModelConfig) NumClasses() int {
	if c.NumLabels > 0 {
		return c.NumLabels
	}
	if len(c.ID2Label) > 0 {
		return len(c.ID2Label)
	}
	return 2
}

// Labels returns the class names in index order, defaulting to LABEL_i.
func (c ModelConfig) Labels() []string {
	out := make([]string, c.NumClasses())
	for i := range out {
		out[i] = "LABEL_" + strconv.Itoa(i)
	}
	keys := make([]int, 0, len(c.ID2Label))
	for k := range c.ID2Label {
		id, _ := strconv.Atoi(k)
		keys = append(keys, id)
	}
	sort.Ints(keys)
	for _, id := range keys {
		if id >= 0 && id < len(out) {
			out[id] = c.ID2Label[strconv.Itoa(id)]
		}
	}
	return out
}
