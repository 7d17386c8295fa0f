package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/safetensors"
)

type inspectReport struct {
	Dir     string             `json:"dir"`
	Backend bundle.Backend     `json:"backend"`
	Config  bundle.ModelConfig `json:"config"`
	Labels  []string           `json:"labels"`
	Files   []bundle.FileInfo  `json:"files"`
	Tensors []inspectTensor    `json:"tensors,omitempty"`
	Meta    map[string]string  `json:"metadata,omitempty"`
}

type inspectTensor struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

func inspectCmd() *cli.Command {
	var (
		showTensors bool
		asJSON      bool
	)
	flags := append(modelFlags(),
		&cli.BoolFlag{
			Name:        "tensors",
			Usage:       "list the tensors in model.safetensors",
			Destination: &showTensors,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:   "inspect",
		Usage:  "Validate a model directory and describe its artifacts",
		Flags:  flags,
		Before: configure,
		Action: func(ctx context.Context, c *cli.Command) error {
			dir, err := resolveModelDir(opts.ModelDir)
			if err != nil {
				return err
			}
			backend, err := bundle.ParseBackend(opts.Backend)
			if err != nil {
				return err
			}
			rep, err := inspectBundle(dir, backend, showTensors)
			if err != nil {
				return err
			}
			if asJSON {
				out := json.NewEncoder(os.Stdout)
				out.SetIndent("", "  ")
				return out.Encode(rep)
			}
			printInspect(os.Stdout, rep)
			return nil
		},
	}
}

func inspectBundle(dir string, backend bundle.Backend, tensors bool) (*inspectReport, error) {
	b, err := bundle.Open(dir, backend)
	if err != nil {
		return nil, err
	}
	rep := &inspectReport{
		Dir:     b.Dir,
		Backend: b.Backend,
		Config:  b.Config,
		Labels:  b.Config.Labels(),
		Files:   b.Files(),
	}
	if !tensors || b.WeightsPath == "" || b.Backend != bundle.BackendNative {
		return rep, nil
	}
	f, err := safetensors.Open(b.WeightsPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		rep.Tensors = append(rep.Tensors, inspectTensor{
			Name:  name,
			DType: info.DType,
			Shape: info.Shape,
			Bytes: info.End - info.Start,
		})
	}
	rep.Meta = f.Metadata
	return rep, nil
}

func printInspect(w io.Writer, rep *inspectReport) {
	cfg := rep.Config
	_, _ = fmt.Fprintf(w, "dir:        %s\n", rep.Dir)
	_, _ = fmt.Fprintf(w, "backend:    %s\n", rep.Backend)
	_, _ = fmt.Fprintf(w, "model:      %s %s\n", cfg.ModelType, strings.Join(cfg.Architectures, ","))
	_, _ = fmt.Fprintf(w, "dims:       hidden=%d layers=%d heads=%d ffn=%d vocab=%d max_pos=%d\n",
		cfg.HiddenSize, cfg.NumHiddenLayers, cfg.NumAttentionHeads, cfg.IntermediateSize,
		cfg.VocabSize, cfg.MaxPositionEmbeddings)
	_, _ = fmt.Fprintf(w, "labels:     %s\n", strings.Join(rep.Labels, ", "))
	_, _ = fmt.Fprintln(w, "files:")
	for _, f := range rep.Files {
		_, _ = fmt.Fprintf(w, "  %-24s %10d\n", f.Name, f.Size)
	}
	if len(rep.Tensors) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "tensors:    %d\n", len(rep.Tensors))
	for _, t := range rep.Tensors {
		_, _ = fmt.Fprintf(w, "  %-64s %-5s %v\n", t.Name, t.DType, t.Shape)
	}
}
