package tokenizer

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// Config is the subset of tokenizer_config.json the tokenizer honours.
type Config struct {
	BOSToken       string
	EOSToken       string
	PADToken       string
	UNKToken       string
	MaskToken      string
	AddPrefixSpace bool
	ModelMaxLength int
	// AddedTokens maps ids to extra special tokens (added_tokens_decoder).
	AddedTokens map[int]string
}

type specialNames struct {
	BOS, EOS, PAD, UNK, Mask string
}

// tokenString accepts either "<s>" or {"content": "<s>", ...}.
type tokenString string

func (s *tokenString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = tokenString(v)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*s = tokenString(obj.Content)
	return nil
}

type configJSON struct {
	BOS            tokenString `json:"bos_token"`
	EOS            tokenString `json:"eos_token"`
	PAD            tokenString `json:"pad_token"`
	UNK            tokenString `json:"unk_token"`
	Mask           tokenString `json:"mask_token"`
	AddPrefixSpace bool        `json:"add_prefix_space"`
	ModelMaxLength *float64    `json:"model_max_length"`
	AddedTokens    map[string]struct {
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens_decoder"`
}

// ParseConfig decodes tokenizer_config.json. Transformers writes a huge
// sentinel for model_max_length when no limit applies; that reads as 0.
func ParseConfig(data []byte) (Config, error) {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse tokenizer config: %w", err)
	}
	cfg := Config{
		BOSToken:       string(raw.BOS),
		EOSToken:       string(raw.EOS),
		PADToken:       string(raw.PAD),
		UNKToken:       string(raw.UNK),
		MaskToken:      string(raw.Mask),
		AddPrefixSpace: raw.AddPrefixSpace,
	}
	if v := raw.ModelMaxLength; v != nil && *v > 0 && *v < math.MaxInt32 {
		cfg.ModelMaxLength = int(*v)
	}
	for key, tok := range raw.AddedTokens {
		var id int
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil || !tok.Special || tok.Content == "" {
			continue
		}
		if cfg.AddedTokens == nil {
			cfg.AddedTokens = make(map[int]string)
		}
		cfg.AddedTokens[id] = tok.Content
	}
	return cfg, nil
}

// New builds a tokenizer from an in-memory vocabulary and merge list.
func New(vocab map[string]int, merges []string, cfg Config) (*Tokenizer, error) {
	m, err := newBPEModel(vocab, merges)
	if err != nil {
		return nil, err
	}
	for id, content := range cfg.AddedTokens {
		if _, ok := m.encoder[content]; !ok {
			m.addToken(content, id)
		}
	}
	t := &Tokenizer{
		model:          m,
		addPrefixSpace: cfg.AddPrefixSpace,
		modelMaxLength: cfg.ModelMaxLength,
	}
	extra := make([]string, 0, len(cfg.AddedTokens))
	for _, content := range cfg.AddedTokens {
		extra = append(extra, content)
	}
	names := specialNames{BOS: cfg.BOSToken, EOS: cfg.EOSToken, PAD: cfg.PADToken, UNK: cfg.UNKToken, Mask: cfg.MaskToken}
	if err := t.setSpecials(names, extra); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFiles reads vocab.json, merges.txt and an optional
// tokenizer_config.json (configPath may be empty).
func LoadFiles(vocabPath, mergesPath, configPath string) (*Tokenizer, error) {
	raw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, err
	}
	var vocab map[string]int
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("parse %s: %w", vocabPath, err)
	}
	merges, err := readLines(mergesPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return New(vocab, merges, cfg)
}

func loadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return ParseConfig(raw)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

type hfTokenizerJSON struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer *struct {
		Type           string `json:"type"`
		AddPrefixSpace bool   `json:"add_prefix_space"`
	} `json:"pre_tokenizer"`
	PostProcessor *struct {
		Type string `json:"type"`
		Sep  []any  `json:"sep"`
		Cls  []any  `json:"cls"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadHF reads a Hugging Face tokenizer.json, overlaid with an optional
// tokenizer_config.json.
func LoadHF(tokJSONPath, configPath string) (*Tokenizer, error) {
	data, err := os.ReadFile(tokJSONPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return LoadHFBytes(data, cfg)
}

// LoadHFBytes is LoadHF over in-memory tokenizer.json contents.
func LoadHFBytes(data []byte, cfg Config) (*Tokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	merges := make([]string, 0, len(tj.Model.Merges))
	for _, raw := range tj.Model.Merges {
		switch v := raw.(type) {
		case string:
			merges = append(merges, v)
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					merges = append(merges, a+" "+b)
				}
			}
		}
	}

	for _, at := range tj.AddedTokens {
		if !at.Special {
			continue
		}
		if cfg.AddedTokens == nil {
			cfg.AddedTokens = make(map[int]string)
		}
		cfg.AddedTokens[at.ID] = at.Content
	}
	if cfg.UNKToken == "" {
		cfg.UNKToken = tj.Model.UnkToken
	}
	if pp := tj.PostProcessor; pp != nil && pp.Type == "RobertaProcessing" {
		if cfg.BOSToken == "" {
			cfg.BOSToken = firstString(pp.Cls)
		}
		if cfg.EOSToken == "" {
			cfg.EOSToken = firstString(pp.Sep)
		}
	}
	if pt := tj.PreTokenizer; pt != nil && pt.Type == "ByteLevel" && pt.AddPrefixSpace {
		cfg.AddPrefixSpace = true
	}
	return New(tj.Model.Vocab, merges, cfg)
}

func firstString(v []any) string {
	if len(v) == 0 {
		return ""
	}
	s, _ := v[0].(string)
	return s
}
