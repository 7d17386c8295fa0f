// Package testutil writes small but complete model directories for tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/Ranack/twit-sentiments/internal/safetensors"
	"github.com/Ranack/twit-sentiments/internal/tensor"
)

// BundleOptions sizes the generated RoBERTa classifier.
type BundleOptions struct {
	Hidden       int
	Layers       int
	Heads        int
	Intermediate int
	MaxPositions int
	Labels       []string
	Seed         int64
	// Prefix is prepended to encoder tensor names, normally "roberta.".
	Prefix string
	// SkipWeights leaves model.safetensors out of the directory.
	SkipWeights bool
}

func (o BundleOptions) withDefaults() BundleOptions {
	if o.Hidden == 0 {
		o.Hidden = 8
	}
	if o.Layers == 0 {
		o.Layers = 2
	}
	if o.Heads == 0 {
		o.Heads = 2
	}
	if o.Intermediate == 0 {
		o.Intermediate = 16
	}
	if o.MaxPositions == 0 {
		o.MaxPositions = 130
	}
	if len(o.Labels) == 0 {
		o.Labels = []string{"negative", "positive"}
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	return o
}

var specialTokens = []string{"<s>", "<pad>", "</s>", "<unk>", "<mask>"}

// merges combine a few common English fragments so tests see multi-byte
// tokens.
var merges = []string{
	"Ġ t", "h e", "Ġt he", "i n", "o n", "e r", "Ġ a", "r e", "Ġ l", "o v",
	"Ġl ov", "Ġlov e", "Ġ p", "Ġp r", "o d", "u c", "Ġpr od", "Ġprod uc",
	"Ġproduc t", "i s", "Ġt h", "Ġth is", "Ġ h", "Ġh a", "Ġha t", "Ġhat e",
}

// Vocab returns the generated vocabulary: the RoBERTa specials, every
// byte-level symbol and the merge results.
func Vocab() map[string]int {
	v := make(map[string]int, 300)
	add := func(tok string) {
		if _, ok := v[tok]; !ok {
			v[tok] = len(v)
		}
	}
	for _, s := range specialTokens {
		add(s)
	}
	for _, s := range byteSymbols() {
		add(s)
	}
	for _, m := range merges {
		a, b, _ := strings.Cut(m, " ")
		add(a + b)
	}
	return v
}

// Merges returns the merge list in rank order.
func Merges() []string { return append([]string(nil), merges...) }

func byteSymbols() []string {
	out := make([]string, 0, 256)
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if !printable {
			r = rune(256 + n)
			n++
		}
		out = append(out, string(r))
	}
	return out
}

// ModelConfig returns the config.json document for opts.
func ModelConfig(opts BundleOptions) map[string]any {
	opts = opts.withDefaults()
	id2label := make(map[string]string, len(opts.Labels))
	label2id := make(map[string]int, len(opts.Labels))
	for i, l := range opts.Labels {
		id2label[fmt.Sprint(i)] = l
		label2id[l] = i
	}
	return map[string]any{
		"architectures":                []string{"RobertaForSequenceClassification"},
		"model_type":                   "roberta",
		"vocab_size":                   len(Vocab()),
		"hidden_size":                  opts.Hidden,
		"num_hidden_layers":            opts.Layers,
		"num_attention_heads":          opts.Heads,
		"intermediate_size":            opts.Intermediate,
		"max_position_embeddings":      opts.MaxPositions,
		"type_vocab_size":              1,
		"hidden_act":                   "gelu",
		"layer_norm_eps":               1e-5,
		"pad_token_id":                 1,
		"bos_token_id":                 0,
		"eos_token_id":                 2,
		"id2label":                     id2label,
		"label2id":                     label2id,
		"hidden_dropout_prob":          0.1,
		"attention_probs_dropout_prob": 0.1,
	}
}

// Tensors returns deterministic weights for opts.
func Tensors(opts BundleOptions) []safetensors.Tensor {
	opts = opts.withDefaults()
	h, inter := opts.Hidden, opts.Intermediate
	seed := opts.Seed
	var out []safetensors.Tensor

	rnd := func(name string, shape ...int) {
		r, c := shape[0], 1
		if len(shape) == 2 {
			c = shape[1]
		}
		m := tensor.NewMat(r, c)
		tensor.FillRand(&m, seed, 0.4)
		seed++
		out = append(out, safetensors.Tensor{Name: name, Shape: shape, Data: m.Data})
	}
	constant := func(name string, n int, v float32) {
		data := make([]float32, n)
		for i := range data {
			data[i] = v
		}
		out = append(out, safetensors.Tensor{Name: name, Shape: []int{n}, Data: data})
	}
	norm := func(prefix string) {
		constant(prefix+".weight", h, 1)
		constant(prefix+".bias", h, 0)
	}

	p := opts.Prefix
	rnd(p+"embeddings.word_embeddings.weight", len(Vocab()), h)
	rnd(p+"embeddings.position_embeddings.weight", opts.MaxPositions, h)
	rnd(p+"embeddings.token_type_embeddings.weight", 1, h)
	norm(p + "embeddings.LayerNorm")
	for i := range opts.Layers {
		l := fmt.Sprintf("%sencoder.layer.%d.", p, i)
		for _, proj := range []string{"attention.self.query", "attention.self.key", "attention.self.value", "attention.output.dense"} {
			rnd(l+proj+".weight", h, h)
			rnd(l+proj+".bias", h)
		}
		norm(l + "attention.output.LayerNorm")
		rnd(l+"intermediate.dense.weight", inter, h)
		rnd(l+"intermediate.dense.bias", inter)
		rnd(l+"output.dense.weight", h, inter)
		rnd(l+"output.dense.bias", h)
		norm(l + "output.LayerNorm")
	}
	rnd("classifier.dense.weight", h, h)
	rnd("classifier.dense.bias", h)
	rnd("classifier.out_proj.weight", len(opts.Labels), h)
	rnd("classifier.out_proj.bias", len(opts.Labels))
	return out
}

// WriteBundle writes a model directory under dir and returns dir.
func WriteBundle(t testing.TB, dir string, opts BundleOptions) string {
	t.Helper()
	if err := WriteBundleFiles(dir, opts); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return dir
}

// WriteBundleFiles is WriteBundle without a testing.TB.
func WriteBundleFiles(dir string, opts BundleOptions) error {
	opts = opts.withDefaults()
	if opts.Prefix == "" {
		opts.Prefix = "roberta."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	writeJSON := func(name string, v any) error {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), b, 0o644)
	}

	if err := writeJSON("config.json", ModelConfig(opts)); err != nil {
		return err
	}
	if err := writeJSON("vocab.json", Vocab()); err != nil {
		return err
	}
	mergesTxt := "#version: 0.2\n" + strings.Join(merges, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(mergesTxt), 0o644); err != nil {
		return err
	}
	if err := writeJSON("tokenizer_config.json", map[string]any{
		"bos_token":        "<s>",
		"eos_token":        "</s>",
		"pad_token":        "<pad>",
		"unk_token":        "<unk>",
		"mask_token":       map[string]any{"content": "<mask>", "lstrip": true},
		"model_max_length": 512,
		"tokenizer_class":  "RobertaTokenizer",
	}); err != nil {
		return err
	}
	if opts.SkipWeights {
		return nil
	}
	return safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), Tensors(opts), map[string]string{"format": "pt"})
}
