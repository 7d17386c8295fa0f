// Package model implements the RoBERTa encoder and sequence
// classification head in pure Go.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/tensor"
)

var ErrEmptyInput = errors.New("model: input has no attended tokens")

type linear struct {
	w *tensor.Mat
	b []float32
}

func (l linear) apply(dst, x []float32, n int) {
	tensor.Linear(dst, x, n, l.w, l.b)
}

type layerNorm struct {
	w, b []float32
}

type encoderLayer struct {
	query, key, value linear
	attnOut           linear
	attnNorm          layerNorm
	up, down          linear
	outNorm           layerNorm
}

// Roberta is a loaded RobertaForSequenceClassification. It is read-only
// after Load and safe for concurrent Forward calls.
type Roberta struct {
	config  bundle.ModelConfig
	hidden  int
	inter   int
	nHead   int
	headDim int
	eps     float32
	padID   int
	labels  int

	wordEmb *tensor.Mat
	posEmb  *tensor.Mat
	typeEmb []float32
	embNorm layerNorm
	layers  []encoderLayer

	poolDense linear
	outProj   linear
}

func (m *Roberta) Config() bundle.ModelConfig { return m.config }
func (m *Roberta) NumLabels() int             { return m.labels }

// MaxTokens is the longest input the position table can index.
func (m *Roberta) MaxTokens() int { return m.posEmb.R - m.padID - 1 }

// Forward returns the class logits for one framed sequence. Positions with
// a zero attention mask are skipped entirely, which matches masked
// attention in the reference implementation. ctx is checked between
// layers.
func (m *Roberta) Forward(ctx context.Context, ids, mask []int64) ([]float32, error) {
	if mask != nil && len(mask) != len(ids) {
		return nil, fmt.Errorf("model: %d ids but %d mask entries", len(ids), len(mask))
	}
	toks := make([]int, 0, len(ids))
	for i, id := range ids {
		if mask == nil || mask[i] != 0 {
			toks = append(toks, int(id))
		}
	}
	n := len(toks)
	if n == 0 {
		return nil, ErrEmptyInput
	}
	h := m.hidden

	x := make([]float32, n*h)
	if err := m.embed(x, toks); err != nil {
		return nil, err
	}

	q := make([]float32, n*h)
	k := make([]float32, n*h)
	v := make([]float32, n*h)
	attn := make([]float32, n*h)
	tmp := make([]float32, n*h)
	inter := make([]float32, n*m.inter)
	actx := attnContext{
		q: q, k: k, v: v, attnOut: attn,
		n: n, nHead: m.nHead, headDim: m.headDim,
		scale: float32(1 / math.Sqrt(float64(m.headDim))),
	}

	for li := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := &m.layers[li]
		l.query.apply(q, x, n)
		l.key.apply(k, x, n)
		l.value.apply(v, x, n)
		selfAttention(&actx)

		l.attnOut.apply(tmp, attn, n)
		m.residualNorm(x, tmp, n, l.attnNorm)

		l.up.apply(inter, x, n)
		tensor.GELUInPlace(inter)
		l.down.apply(tmp, inter, n)
		m.residualNorm(x, tmp, n, l.outNorm)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Head on the <s> token: dense, tanh, projection.
	pooled := make([]float32, h)
	m.poolDense.apply(pooled, x[:h], 1)
	tensor.TanhInPlace(pooled)
	logits := make([]float32, m.labels)
	m.outProj.apply(logits, pooled, 1)
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("model: non-finite logits %v", logits)
		}
	}
	return logits, nil
}

// embed fills x with word + position + token type embeddings followed by
// LayerNorm. Position ids count non-pad tokens from padID+1.
func (m *Roberta) embed(x []float32, toks []int) error {
	h := m.hidden
	pos := m.padID
	for i, id := range toks {
		if id < 0 || id >= m.wordEmb.R {
			return fmt.Errorf("model: token id %d outside vocabulary of %d", id, m.wordEmb.R)
		}
		p := m.padID
		if id != m.padID {
			pos++
			p = pos
		}
		if p >= m.posEmb.R {
			return fmt.Errorf("model: sequence of %d tokens exceeds %d positions", len(toks), m.MaxTokens())
		}
		row := x[i*h : (i+1)*h]
		copy(row, m.wordEmb.Row(id))
		tensor.Add(row, m.posEmb.Row(p))
		tensor.Add(row, m.typeEmb)
		tensor.LayerNorm(row, row, m.embNorm.w, m.embNorm.b, m.eps)
	}
	return nil
}

// residualNorm computes x = LayerNorm(x + delta) row by row.
func (m *Roberta) residualNorm(x, delta []float32, n int, ln layerNorm) {
	h := m.hidden
	for i := range n {
		row := x[i*h : (i+1)*h]
		tensor.Add(row, delta[i*h:(i+1)*h])
		tensor.LayerNorm(row, row, ln.w, ln.b, m.eps)
	}
}

// Logits runs Forward on each row of a padded batch.
func (m *Roberta) Logits(ctx context.Context, ids, masks [][]int64) ([][]float32, error) {
	if len(masks) != len(ids) {
		return nil, fmt.Errorf("model: %d sequences but %d masks", len(ids), len(masks))
	}
	out := make([][]float32, len(ids))
	for i := range ids {
		logits, err := m.Forward(ctx, ids[i], masks[i])
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		out[i] = logits
	}
	return out, nil
}

// Close is a no-op; weights live on the Go heap.
func (m *Roberta) Close() error { return nil }
