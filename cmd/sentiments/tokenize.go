package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

func tokenizeCmd() *cli.Command {
	var asJSON bool
	var flags []cli.Flag
	flags = append(flags, modelFlags()...)
	flags = append(flags, tokenizerFlags()...)
	flags = append(flags, &cli.BoolFlag{
		Name:        "json",
		Usage:       "print the encoding as JSON",
		Destination: &asJSON,
	})

	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Show how text is framed for the model",
		ArgsUsage: "TEXT",
		Flags:     flags,
		Before:    configure,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("tokenize: text is required")
			}
			dir, err := resolveModelDir(opts.ModelDir)
			if err != nil {
				return err
			}
			backend, err := bundle.ParseBackend(opts.Backend)
			if err != nil {
				return err
			}
			padding, err := tokenizer.ParsePadding(opts.Padding)
			if err != nil {
				return err
			}
			b, err := bundle.Open(dir, backend)
			if err != nil {
				return err
			}
			tok, err := b.LoadTokenizer()
			if err != nil {
				return err
			}
			enc, err := tok.EncodeForModel(text, tokenizer.Options{MaxLength: int(opts.MaxLength), Padding: padding})
			if err != nil {
				return err
			}

			if asJSON {
				out := json.NewEncoder(os.Stdout)
				out.SetIndent("", "  ")
				return out.Encode(enc)
			}
			fmt.Printf("tokens: %d (max %d, truncated=%t)\n", enc.RealTokens(), opts.MaxLength, enc.Truncated)
			for i, id := range enc.IDs {
				fmt.Printf("%4d  %6d  %d  %q\n", i, id, enc.AttentionMask[i], enc.Tokens[i])
			}
			return nil
		},
	}
}
