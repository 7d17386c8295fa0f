package tokenizer

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// gpt2Pattern is the byte-level pre-tokenizer shared by GPT-2 and RoBERTa.
// The original pattern carries a `\s+(?!\S)` branch; Go's regexp has no
// lookahead, so pretokenize trims whitespace runs by hand instead.
var gpt2Pattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// maxCacheEntries bounds the per-word merge cache.
const maxCacheEntries = 1 << 16

// Pair represents a pair of BPE tokens.
type Pair struct {
	A string
	B string
}

// bpeModel holds the vocabulary and merge ranks. It is safe for concurrent
// use; the only mutable state is the merge cache.
type bpeModel struct {
	encoder     map[string]int
	decoder     []string
	bpeRanks    map[Pair]int
	byteEncoder [256]string
	byteDecoder map[rune]byte

	mu    sync.Mutex
	cache map[string][]string
}

func newBPEModel(vocab map[string]int, merges []string) (*bpeModel, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	maxID := -1
	for _, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative token id %d", id)
		}
		maxID = max(maxID, id)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range vocab {
		decoder[id] = tok
	}

	m := &bpeModel{
		encoder:  maps.Clone(vocab),
		decoder:  decoder,
		bpeRanks: parseMerges(merges),
		cache:    make(map[string][]string),
	}
	m.byteEncoder, m.byteDecoder = bytesToUnicode()
	return m, nil
}

func parseMerges(lines []string) map[Pair]int {
	ranks := make(map[Pair]int, len(lines))
	rank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || a == "" || b == "" || strings.Contains(b, " ") {
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

// addToken registers an added token that is not part of the base vocabulary.
func (m *bpeModel) addToken(content string, id int) {
	if id < 0 {
		return
	}
	m.encoder[content] = id
	if id >= len(m.decoder) {
		grown := make([]string, id+1)
		copy(grown, m.decoder)
		m.decoder = grown
	}
	m.decoder[id] = content
}

func (m *bpeModel) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(m.byteEncoder[s[i]])
	}
	return b.String()
}

func (m *bpeModel) bpe(token string) []string {
	m.mu.Lock()
	if v, ok := m.cache[token]; ok {
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	word := splitRunes(token)
	for len(word) > 1 {
		bestRank := int(^uint(0) >> 1)
		var best Pair
		found := false
		for i := 0; i+1 < len(word); i++ {
			p := Pair{A: word[i], B: word[i+1]}
			if rank, ok := m.bpeRanks[p]; ok && rank < bestRank {
				bestRank, best, found = rank, p, true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, best)
	}

	m.mu.Lock()
	if len(m.cache) >= maxCacheEntries {
		clear(m.cache)
	}
	m.cache[token] = word
	m.mu.Unlock()
	return word
}

func (m *bpeModel) decodeToken(b []byte, tok string) []byte {
	for _, r := range tok {
		if by, ok := m.byteDecoder[r]; ok {
			b = append(b, by)
		} else {
			b = utf8.AppendRune(b, r)
		}
	}
	return b
}

// pretokenize splits text the way the GPT-2 regex does, including the
// `\s+(?!\S)` rule: a whitespace run followed by more text gives up its
// last character so that character can prefix the following word.
func pretokenize(text string) []string {
	var out []string
	for pos := 0; pos < len(text); {
		loc := gpt2Pattern.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		piece := text[start:end]
		if end < len(text) && isAllSpace(piece) {
			if _, size := utf8.DecodeLastRuneInString(piece); size < len(piece) {
				end -= size
				piece = text[start:end]
			}
		}
		out = append(out, piece)
		pos = end
	}
	return out
}

func isAllSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return s != ""
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func mergePair(word []string, pair Pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

type textPart struct {
	text      string
	isSpecial bool
}

// splitSpecials cuts text around occurrences of the special tokens, which
// must be sorted longest first.
func splitSpecials(text string, specials []string) []textPart {
	present := false
	for _, sp := range specials {
		if sp != "" && strings.Contains(text, sp) {
			present = true
			break
		}
	}
	if !present {
		return []textPart{{text: text}}
	}

	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if sp != "" && strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

// bytesToUnicode maps bytes to unicode strings to make BPE reversible.
func bytesToUnicode() ([256]string, map[rune]byte) {
	var enc [256]string
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = string(r)
		dec[r] = byte(b)
	}
	return enc, dec
}
