package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/safetensors"
	"github.com/Ranack/twit-sentiments/internal/tensor"
)

// TensorSource yields decoded weights by name. *safetensors.File satisfies
// it.
type TensorSource interface {
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

// LoadFile reads a safetensors checkpoint into memory. The file is closed
// before returning; the weights are copies.
func LoadFile(path string, cfg bundle.ModelConfig) (_ *Roberta, err error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, st.Close())
	}()
	return Load(st, cfg)
}

// Load builds a RoBERTa sequence classifier from src.
func Load(src TensorSource, cfg bundle.ModelConfig) (*Roberta, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	inter := cfg.IntermediateSize
	labels := cfg.NumClasses()
	l := loader{src: src}

	m := &Roberta{
		config:  cfg,
		hidden:  h,
		inter:   inter,
		nHead:   cfg.NumAttentionHeads,
		headDim: cfg.HeadDim(),
		eps:     float32(cfg.LayerNormEps),
		padID:   cfg.PadID(),
		labels:  labels,
	}

	m.wordEmb = l.mat(encoderNames("embeddings.word_embeddings.weight"), -1, h)
	m.posEmb = l.mat(encoderNames("embeddings.position_embeddings.weight"), -1, h)
	typeEmb := l.mat(encoderNames("embeddings.token_type_embeddings.weight"), -1, h)
	m.embNorm = l.norm(encoderNames("embeddings.LayerNorm"), h)
	if l.err != nil {
		return nil, l.err
	}
	if m.posEmb.R <= m.padID+1 {
		return nil, fmt.Errorf("position table has %d rows, need more than %d", m.posEmb.R, m.padID+1)
	}
	m.typeEmb = typeEmb.Row(0)

	m.layers = make([]encoderLayer, cfg.NumHiddenLayers)
	for i := range m.layers {
		p := fmt.Sprintf("encoder.layer.%d.", i)
		m.layers[i] = encoderLayer{
			query:    l.linear(encoderNames(p+"attention.self.query"), h, h),
			key:      l.linear(encoderNames(p+"attention.self.key"), h, h),
			value:    l.linear(encoderNames(p+"attention.self.value"), h, h),
			attnOut:  l.linear(encoderNames(p+"attention.output.dense"), h, h),
			attnNorm: l.norm(encoderNames(p+"attention.output.LayerNorm"), h),
			up:       l.linear(encoderNames(p+"intermediate.dense"), inter, h),
			down:     l.linear(encoderNames(p+"output.dense"), h, inter),
			outNorm:  l.norm(encoderNames(p+"output.LayerNorm"), h),
		}
		if l.err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, l.err)
		}
	}

	m.poolDense = l.linear([]string{"classifier.dense"}, h, h)
	m.outProj = l.linear([]string{"classifier.out_proj"}, labels, h)
	if l.err != nil {
		return nil, fmt.Errorf("classification head: %w", l.err)
	}
	return m, nil
}

// encoderNames lists the checkpoint names for an encoder tensor, with and
// without the "roberta." prefix that RobertaForSequenceClassification adds.
func encoderNames(name string) []string {
	return []string{"roberta." + name, name}
}

// loader accumulates the first error so Load reads as a flat list.
type loader struct {
	src TensorSource
	err error
}

func (l *loader) read(candidates []string) ([]float32, []int, string) {
	if l.err != nil {
		return nil, nil, ""
	}
	for _, name := range candidates {
		data, info, err := l.src.ReadTensorF32(name)
		if err == nil {
			return data, info.Shape, name
		}
		if errors.Is(err, safetensors.ErrTensorNotFound) {
			continue
		}
		l.err = fmt.Errorf("%s: %w", name, err)
		return nil, nil, ""
	}
	l.err = fmt.Errorf("%w: %s", safetensors.ErrTensorNotFound, strings.Join(candidates, " | "))
	return nil, nil, ""
}

// mat loads a 2D tensor. rows < 0 accepts any row count.
func (l *loader) mat(candidates []string, rows, cols int) *tensor.Mat {
	data, shape, name := l.read(candidates)
	if l.err != nil {
		return nil
	}
	if len(shape) != 2 || shape[1] != cols || (rows >= 0 && shape[0] != rows) {
		l.err = fmt.Errorf("%s: shape %v, want [%d %d]", name, shape, rows, cols)
		return nil
	}
	m, err := tensor.MatFromData(shape[0], shape[1], data)
	if err != nil {
		l.err = fmt.Errorf("%s: %w", name, err)
		return nil
	}
	return &m
}

func (l *loader) vec(candidates []string, n int) []float32 {
	data, shape, name := l.read(candidates)
	if l.err != nil {
		return nil
	}
	if len(shape) != 1 || shape[0] != n {
		l.err = fmt.Errorf("%s: shape %v, want [%d]", name, shape, n)
		return nil
	}
	return data
}

func withSuffix(names []string, suffix string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n + suffix
	}
	return out
}

func (l *loader) linear(prefixes []string, out, in int) linear {
	return linear{
		w: l.mat(withSuffix(prefixes, ".weight"), out, in),
		b: l.vec(withSuffix(prefixes, ".bias"), out),
	}
}

// norm accepts both the weight/bias and the older gamma/beta spellings.
func (l *loader) norm(prefixes []string, n int) layerNorm {
	return layerNorm{
		w: l.vec(append(withSuffix(prefixes, ".weight"), withSuffix(prefixes, ".gamma")...), n),
		b: l.vec(append(withSuffix(prefixes, ".bias"), withSuffix(prefixes, ".beta")...), n),
	}
}
