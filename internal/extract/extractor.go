// Package extract builds protocol models from Python protocol sources.
//
// Sources are parsed with tree-sitter and a fixed chain of rules reads the
// metadata block, hardware modules, run-time parameter declarations,
// z-height offsets and labware loads. Extraction is best effort: a source
// with syntax errors still yields a partial model together with a
// *protocol.MalformedError.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/protocol"
	"rtpfuzz/internal/reservoir"

	"golang.org/x/sync/errgroup"
)

// maxSyntaxErrors caps how many syntax error positions a model reports.
const maxSyntaxErrors = 5

// Options carries the tables extraction needs.
type Options struct {
	Reservoirs       *reservoir.Table
	ZHeightVariables map[string]float64
	ModuleAliases    map[string]string
	// Concurrency bounds parallel file extraction in ExtractDir.
	Concurrency int
}

// OptionsFromConfig derives extraction options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	table, err := cfg.Audit.ReservoirTable()
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
	}
	return Options{
		Reservoirs:       table,
		ZHeightVariables: cfg.Audit.ZHeightVariables,
		ModuleAliases:    cfg.Audit.ModuleAliases,
		Concurrency:      cfg.Simulation.ConcurrencyLimit,
	}, nil
}

// Extractor turns protocol sources into models.
type Extractor struct {
	opts  Options
	rules []Rule
}

// New creates an Extractor with the default rule chain.
func New(opts Options) *Extractor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Extractor{opts: opts, rules: DefaultRules(opts)}
}

// Extract builds the model for one source. The model is never nil; the error
// is a *protocol.MalformedError when the source did not parse cleanly.
func (e *Extractor) Extract(ctx context.Context, identity string, content []byte) (*protocol.Model, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "extract "+identity)
	defer timer.Stop()

	m := &protocol.Model{
		Identity:      identity,
		Metadata:      map[string]string{},
		Modules:       []string{},
		RTPSchema:     []protocol.RTPDecl{},
		ZHeightRefs:   []protocol.ZHeightRef{},
		ReservoirRefs: []protocol.ReservoirRef{},
		Source:        content,
	}

	src, err := Parse(ctx, identity, content)
	if err != nil {
		m.Malformed = true
		m.Issues = append(m.Issues, err.Error())
		logging.ExtractWarn("%s: %v", identity, err)
		return m, &protocol.MalformedError{Identity: identity, Problems: []string{err.Error()}}
	}
	defer src.Close()

	for _, r := range e.rules {
		r.Apply(src, m)
		logging.ExtractDebug("%s: rule %s applied", identity, r.Name())
	}

	if problems := src.SyntaxErrors(maxSyntaxErrors); len(problems) > 0 {
		m.Malformed = true
		m.Issues = append(problems, m.Issues...)
		logging.ExtractWarn("%s: malformed source (%s)", identity, strings.Join(problems, "; "))
		return m, &protocol.MalformedError{Identity: identity, Problems: problems}
	}

	logging.ExtractDebug("%s: %d params, %d z-heights, %d labware, %d modules",
		identity, len(m.RTPSchema), len(m.ZHeightRefs), len(m.ReservoirRefs), len(m.Modules))
	return m, nil
}

// ExtractFile reads and extracts one file. The identity is the file's base name.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (*protocol.Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol: %w", err)
	}
	return e.Extract(ctx, filepath.Base(path), content)
}

// IsProtocolFile reports whether a file name looks like a protocol source.
func IsProtocolFile(name string) bool {
	return strings.HasSuffix(name, ".py") && name != "__init__.py" && !strings.HasPrefix(name, ".")
}

// ListDir returns the protocol file names in dir, sorted.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	var names []string
	for _, ent := range entries {
		if ent.Type().IsRegular() && IsProtocolFile(ent.Name()) {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ExtractDir extracts every protocol in dir with bounded parallelism and
// returns the models sorted by identity. Per-file problems (unreadable or
// malformed sources) are recorded on the models; only failing to list the
// directory, or cancellation, is returned as an error.
func (e *Extractor) ExtractDir(ctx context.Context, dir string) ([]*protocol.Model, error) {
	names, err := ListDir(dir)
	if err != nil {
		return nil, err
	}
	logging.Extract("extracting %d protocols from %s", len(names), dir)

	models := make([]*protocol.Model, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				models[i] = unreadable(name, err)
				return nil
			}
			// Malformed sources are already flagged on the model.
			models[i], _ = e.Extract(gctx, name, content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(models, func(a, b int) bool { return models[a].Identity < models[b].Identity })
	return models, nil
}

func unreadable(identity string, err error) *protocol.Model {
	logging.ExtractWarn("%s: %v", identity, err)
	return &protocol.Model{
		Identity:      identity,
		Metadata:      map[string]string{},
		Modules:       []string{},
		RTPSchema:     []protocol.RTPDecl{},
		ZHeightRefs:   []protocol.ZHeightRef{},
		ReservoirRefs: []protocol.ReservoirRef{},
		Malformed:     true,
		Issues:        []string{fmt.Sprintf("unreadable: %v", err)},
	}
}
