// This file contains the logic for translating the decoded HCL blocks into
// the format-agnostic configuration model defined in the config package.

package hcl_adapter

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/ctxlog"
)

// positioned is an evaluated option together with its byte offset in the
// source file, used to order expansion dimensions.
type positioned struct {
	option *config.Option
	offset int
}

type positionedGroup struct {
	name    string
	options []positioned
}

func (g positionedGroup) offset() int {
	min := g.options[0].offset
	for _, o := range g.options[1:] {
		if o.offset < min {
			min = o.offset
		}
	}
	return min
}

// translateDispatch converts the HCL dispatch schema into the agnostic model,
// validating ranges and filling defaults.
func translateDispatch(b *DispatchBlock) (config.Dispatch, error) {
	d := config.Dispatch{
		Command:       b.Command,
		WorkDir:       b.WorkDir,
		LogDir:        b.LogDir,
		NumGPUs:       b.NumGPUs,
		AvailableGPUs: b.AvailableGPUs,
		GPUsPerJob:    b.GPUsPerJob,
		MaxRetries:    b.MaxRetries,
		DeviceEnv:     b.DeviceEnv,
		DeviceFlag:    b.DeviceFlag,
		ResultsFlag:   b.ResultsFlag,
		Env:           b.Env,
	}

	if len(d.Command) == 0 || d.Command[0] == "" {
		return d, config.Errorf("command", "must name the program to run")
	}
	if d.LogDir == "" {
		d.LogDir = "logs"
	}
	if d.DeviceEnv == "" {
		d.DeviceEnv = config.DefaultDeviceEnv
	}
	if d.NumGPUs < 0 {
		return d, config.Errorf("num_gpus", "must not be negative, got %d", d.NumGPUs)
	}
	if d.GPUsPerJob < 0 {
		return d, config.Errorf("gpus_per_job", "must not be negative, got %d", d.GPUsPerJob)
	}
	if d.GPUsPerJob == 0 {
		d.GPUsPerJob = 1
	}
	if d.MaxRetries < 0 {
		return d, config.Errorf("max_retries", "must not be negative, got %d", d.MaxRetries)
	}
	if b.Timeout != "" {
		timeout, err := time.ParseDuration(b.Timeout)
		if err != nil || timeout < 0 {
			return d, config.Errorf("timeout", "invalid duration %q", b.Timeout)
		}
		d.Timeout = timeout
	}
	return d, nil
}

// readOptions evaluates every attribute of body into an option.
func (l *Loader) readOptions(ctx context.Context, body hcl.Body, evalCtx *hcl.EvalContext) ([]positioned, error) {
	logger := ctxlog.FromContext(ctx)

	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, &config.Error{Msg: diags.Error()}
	}

	opts := make([]positioned, 0, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, &config.Error{Option: name, Msg: diags.Error()}
		}
		v, err := config.FromCty(name, val)
		if err != nil {
			return nil, err
		}
		logger.Debug("Option evaluated.", "option", name, "kind", v.Kind.String(), "range", attr.Range.String())
		opts = append(opts, positioned{
			option: &config.Option{Name: name, Value: v},
			offset: attr.Range.Start.Byte,
		})
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].offset < opts[j].offset })
	return opts, nil
}

// assignPositions numbers grid options and lockstep groups by their order
// of appearance in the source file.
func assignPositions(grid []positioned, groups []positionedGroup) (*config.Tree, []*config.Group) {
	type entry struct {
		offset int
		option *config.Option
		group  *config.Group
	}

	entries := make([]entry, 0, len(grid)+len(groups))
	for _, p := range grid {
		entries = append(entries, entry{offset: p.offset, option: p.option})
	}
	lockstep := make([]*config.Group, 0, len(groups))
	for _, g := range groups {
		group := &config.Group{Name: g.name}
		for _, p := range g.options {
			group.Options = append(group.Options, p.option)
		}
		lockstep = append(lockstep, group)
		entries = append(entries, entry{offset: g.offset(), group: group})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })

	tree := &config.Tree{}
	for pos, e := range entries {
		if e.group != nil {
			e.group.Pos = pos
			for _, o := range e.group.Options {
				o.Pos = pos
			}
			continue
		}
		e.option.Pos = pos
		tree.Options = append(tree.Options, e.option)
	}
	return tree, lockstep
}
