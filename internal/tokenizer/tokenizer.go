// Package tokenizer implements the byte-level BPE tokenizer used by
// RoBERTa sequence classifiers, including the `<s> ... </s>` framing,
// truncation and padding the model expects.
package tokenizer

import (
	"errors"
	"fmt"
	"sort"
)

// Padding selects how a batch of encodings is padded.
type Padding string

const (
	// PadLongest pads to the longest sequence in the batch. A single input
	// is never padded.
	PadLongest Padding = "longest"
	// PadMaxLength pads every sequence to Options.MaxLength.
	PadMaxLength Padding = "max_length"
)

// DefaultMaxLength is the sequence length used when none is configured.
const DefaultMaxLength = 64

var ErrSequenceTooShort = errors.New("tokenizer: max length must leave room for special tokens")

// ParsePadding validates a padding policy name.
func ParsePadding(s string) (Padding, error) {
	switch Padding(s) {
	case "", PadLongest:
		return PadLongest, nil
	case PadMaxLength:
		return PadMaxLength, nil
	default:
		return "", fmt.Errorf("unknown padding %q (want longest or max_length)", s)
	}
}

// Options controls how text is framed for the model.
type Options struct {
	MaxLength int
	Padding   Padding
}

func (o Options) withDefaults() Options {
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.Padding == "" {
		o.Padding = PadLongest
	}
	return o
}

// Encoding is one framed model input.
type Encoding struct {
	IDs           []int64  `json:"input_ids"`
	Tokens        []string `json:"tokens"`
	AttentionMask []int64  `json:"attention_mask"`
	Truncated     bool     `json:"truncated"`
}

// Len is the number of positions including padding.
func (e Encoding) Len() int { return len(e.IDs) }

// RealTokens counts the positions with a set attention mask.
func (e Encoding) RealTokens() int {
	n := 0
	for _, m := range e.AttentionMask {
		if m != 0 {
			n++
		}
	}
	return n
}

// SpecialTokens holds the ids of the framing tokens.
type SpecialTokens struct {
	BOS  int
	EOS  int
	PAD  int
	UNK  int
	Mask int
}

// Tokenizer is a RoBERTa byte-level BPE tokenizer.
type Tokenizer struct {
	model          *bpeModel
	specials       SpecialTokens
	specialStrings []string // longest first
	specialIDs     map[int]bool
	addPrefixSpace bool
	modelMaxLength int
}

// Encode returns the ids for text without framing tokens. Special token
// strings that appear literally in text map to their ids.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	if t.addPrefixSpace && text != "" && text[0] != ' ' {
		text = " " + text
	}
	var ids []int
	for _, part := range splitSpecials(text, t.specialStrings) {
		if part.isSpecial {
			ids = append(ids, t.model.encoder[part.text])
			continue
		}
		for _, piece := range pretokenize(part.text) {
			for _, tok := range t.model.bpe(t.model.byteEncode(piece)) {
				id, ok := t.model.encoder[tok]
				if !ok {
					if t.specials.UNK < 0 {
						return nil, fmt.Errorf("unknown token: %q", tok)
					}
					id = t.specials.UNK
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// EncodeForModel frames text as `<s> tokens </s>`, truncating the content
// so the result fits in opts.MaxLength.
func (t *Tokenizer) EncodeForModel(text string, opts Options) (Encoding, error) {
	encs, err := t.EncodeBatch([]string{text}, opts)
	if err != nil {
		return Encoding{}, err
	}
	return encs[0], nil
}

// EncodeBatch frames each text and applies the padding policy across the
// batch.
func (t *Tokenizer) EncodeBatch(texts []string, opts Options) ([]Encoding, error) {
	opts = opts.withDefaults()
	if opts.MaxLength < 2 {
		return nil, ErrSequenceTooShort
	}

	out := make([]Encoding, len(texts))
	longest := 0
	for i, text := range texts {
		ids, err := t.Encode(text)
		if err != nil {
			return nil, err
		}
		room := opts.MaxLength - 2
		truncated := len(ids) > room
		if truncated {
			ids = ids[:room]
		}
		enc := Encoding{
			IDs:           make([]int64, 0, len(ids)+2),
			AttentionMask: make([]int64, 0, len(ids)+2),
			Truncated:     truncated,
		}
		enc.IDs = append(enc.IDs, int64(t.specials.BOS))
		for _, id := range ids {
			enc.IDs = append(enc.IDs, int64(id))
		}
		enc.IDs = append(enc.IDs, int64(t.specials.EOS))
		for range enc.IDs {
			enc.AttentionMask = append(enc.AttentionMask, 1)
		}
		out[i] = enc
		longest = max(longest, len(enc.IDs))
	}

	target := longest
	if opts.Padding == PadMaxLength {
		target = opts.MaxLength
	}
	for i := range out {
		for len(out[i].IDs) < target {
			out[i].IDs = append(out[i].IDs, int64(t.specials.PAD))
			out[i].AttentionMask = append(out[i].AttentionMask, 0)
		}
		out[i].Tokens = make([]string, len(out[i].IDs))
		for j, id := range out[i].IDs {
			out[i].Tokens[j] = t.TokenString(int(id))
		}
	}
	return out, nil
}

// Decode turns ids back into text. Special tokens are dropped when
// skipSpecial is set and rendered verbatim otherwise.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.model.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		tok := t.model.decoder[id]
		if t.specialIDs[id] {
			if !skipSpecial {
				b = append(b, tok...)
			}
			continue
		}
		b = t.model.decodeToken(b, tok)
	}
	return string(b), nil
}

func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.model.decoder) {
		return ""
	}
	return t.model.decoder[id]
}

// TokenID returns the id of tok in the vocabulary.
func (t *Tokenizer) TokenID(tok string) (int, bool) {
	id, ok := t.model.encoder[tok]
	return id, ok
}

func (t *Tokenizer) Specials() SpecialTokens { return t.specials }

// VocabSize is one past the largest token id.
func (t *Tokenizer) VocabSize() int { return len(t.model.decoder) }

// ModelMaxLength is the limit declared by tokenizer_config.json, or 0.
func (t *Tokenizer) ModelMaxLength() int { return t.modelMaxLength }

func (t *Tokenizer) setSpecials(names specialNames, extra []string) error {
	lookup := func(name, fallback string, required bool) (int, error) {
		if name == "" {
			name = fallback
		}
		if id, ok := t.model.encoder[name]; ok {
			return id, nil
		}
		if required {
			return -1, fmt.Errorf("special token %q not in vocabulary", name)
		}
		return -1, nil
	}

	var err error
	if t.specials.BOS, err = lookup(names.BOS, "<s>", true); err != nil {
		return err
	}
	if t.specials.EOS, err = lookup(names.EOS, "</s>", true); err != nil {
		return err
	}
	if t.specials.PAD, err = lookup(names.PAD, "<pad>", true); err != nil {
		return err
	}
	if t.specials.UNK, err = lookup(names.UNK, "<unk>", false); err != nil {
		return err
	}
	if t.specials.Mask, err = lookup(names.Mask, "<mask>", false); err != nil {
		return err
	}

	t.specialIDs = make(map[int]bool)
	seen := make(map[string]bool)
	add := func(s string) {
		id, ok := t.model.encoder[s]
		if s == "" || !ok || seen[s] {
			return
		}
		seen[s] = true
		t.specialIDs[id] = true
		t.specialStrings = append(t.specialStrings, s)
	}
	for _, id := range []int{t.specials.BOS, t.specials.EOS, t.specials.PAD, t.specials.UNK, t.specials.Mask} {
		add(t.TokenString(id))
	}
	for _, s := range extra {
		add(s)
	}
	sort.SliceStable(t.specialStrings, func(i, j int) bool {
		return len(t.specialStrings[i]) > len(t.specialStrings[j])
	})
	return nil
}
