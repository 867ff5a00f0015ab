package runner

import (
	"sort"
	"strconv"
	"strings"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/zclconf/go-cty/cty"
)

// Invocation is a fully built process invocation for one job attempt.
type Invocation struct {
	Program string
	Args    []string
	// Env holds the variables added on top of the dispatcher's environment.
	Env []string
}

// String renders the invocation as a shell-like command line.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Env)+len(inv.Args)+1)
	for _, kv := range inv.Env {
		parts = append(parts, quote(kv))
	}
	parts = append(parts, quote(inv.Program))
	for _, a := range inv.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>*?()[]{}#~") {
		return s
	}
	return strconv.Quote(s)
}

// Invocation builds the command line and environment of a job running on
// the given comma-separated devices. Params that cannot be expressed as
// arguments fail only this job with a *config.Error.
func (r *Runner) Invocation(job grid.JobSpec, devices string) (Invocation, error) {
	inv := Invocation{Program: r.cfg.Command[0]}
	inv.Args = append(inv.Args, r.cfg.Command[1:]...)

	for _, p := range job.Params {
		args, err := paramArgs(p)
		if err != nil {
			return Invocation{}, err
		}
		inv.Args = append(inv.Args, args...)
	}
	if r.cfg.DeviceFlag != "" {
		inv.Args = append(inv.Args, "--"+r.cfg.DeviceFlag, devices)
	}
	if r.cfg.ResultsFlag != "" {
		inv.Args = append(inv.Args, "--"+r.cfg.ResultsFlag, r.ResultsPath(job.ID))
	}

	names := make([]string, 0, len(r.cfg.Env))
	for name := range r.cfg.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		inv.Env = append(inv.Env, name+"="+r.cfg.Env[name])
	}
	inv.Env = append(inv.Env,
		r.cfg.DeviceEnv+"="+devices,
		"GPUGRID_JOB_ID="+job.ID,
	)
	return inv, nil
}

// paramArgs serializes one param in the --name value convention. True
// booleans become a bare flag; false booleans and nulls are omitted.
func paramArgs(p grid.Param) ([]string, error) {
	if p.Name == "" || strings.ContainsAny(p.Name, " \t\n=\x00") {
		return nil, config.Errorf(p.Name, "option name cannot be used as a command-line flag")
	}
	flag := "--" + p.Name

	v := p.Value
	switch {
	case v.IsNull():
		return nil, nil
	case v.Type() == cty.Bool:
		if v.True() {
			return []string{flag}, nil
		}
		return nil, nil
	case v.Type() == cty.Number:
		if v.AsBigFloat().IsInf() {
			return nil, config.Errorf(p.Name, "value %s is not a finite number", v.AsBigFloat().Text('g', -1))
		}
	case v.Type() == cty.String:
		if strings.ContainsRune(v.AsString(), 0) {
			return nil, config.Errorf(p.Name, "value contains a NUL byte")
		}
	default:
		return nil, config.Errorf(p.Name, "value of type %s is not a scalar", v.Type().FriendlyName())
	}
	return []string{flag, config.Render(v)}, nil
}
