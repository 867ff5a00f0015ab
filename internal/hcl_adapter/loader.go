package hcl_adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/ctxlog"
	"github.com/specialistvlad/gpugrid/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	converter *Converter
	// environ returns the process environment exposed to documents as `env`.
	environ func() []string
}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{
		converter: NewConverter(),
		environ:   os.Environ,
	}
}

// Load parses, evaluates and validates the dispatch document at path.
// Files ending in .json are read with HCL's JSON syntax.
func (l *Loader) Load(ctx context.Context, path string) (*config.Document, error) {
	logger := ctxlog.FromContext(ctx).With("config_path", path)
	logger.Debug("HCL loader started.")

	// A directory names the single document inside it.
	path, err := fsutil.ResolveDocument(path, ".hcl", ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	file, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, &config.Error{Path: path, Msg: diags.Error()}
	}
	if root.Dispatch == nil {
		return nil, &config.Error{Path: path, Msg: "missing required `dispatch` block"}
	}
	attrs, diags := root.Remain.JustAttributes()
	for name := range attrs {
		return nil, &config.Error{Path: path, Option: name, Msg: "unexpected top-level attribute; options belong in the `grid` block"}
	}
	if diags.HasErrors() {
		return nil, &config.Error{Path: path, Msg: diags.Error()}
	}

	evalCtx, err := l.evalContext()
	if err != nil {
		return nil, &config.Error{Path: path, Msg: err.Error()}
	}

	doc := &config.Document{Path: path}
	if doc.Dispatch, err = translateDispatch(root.Dispatch); err != nil {
		return nil, withPath(err, path)
	}

	var grid []positioned
	if root.Grid != nil {
		if grid, err = l.readOptions(ctx, root.Grid.Body, evalCtx); err != nil {
			return nil, withPath(err, path)
		}
	}
	groups := make([]positionedGroup, 0, len(root.Lockstep))
	for _, block := range root.Lockstep {
		opts, err := l.readOptions(ctx, block.Body, evalCtx)
		if err != nil {
			return nil, withPath(err, path)
		}
		if len(opts) == 0 {
			return nil, &config.Error{Path: path, Option: block.Name, Msg: "lockstep group has no options"}
		}
		groups = append(groups, positionedGroup{name: block.Name, options: opts})
	}

	doc.Grid, doc.Lockstep = assignPositions(grid, groups)

	logger.Debug("HCL loading complete.", "grid_options", len(doc.Grid.Options), "lockstep_groups", len(doc.Lockstep))
	return doc, nil
}

func (l *Loader) parseFile(path string) (*hcl.File, error) {
	parser := hclparse.NewParser()

	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		file, diags = parser.ParseJSONFile(path)
	default:
		file, diags = parser.ParseHCLFile(path)
	}
	if diags.HasErrors() {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, statErr)
		}
		return nil, &config.Error{Path: path, Msg: diags.Error()}
	}
	return file, nil
}

func withPath(err error, path string) error {
	if cfgErr, ok := err.(*config.Error); ok && cfgErr.Path == "" {
		cfgErr.Path = path
	}
	return err
}
