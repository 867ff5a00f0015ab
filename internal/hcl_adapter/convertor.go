package hcl_adapter

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Converter binds native Go values into cty so they can be exposed to
// option expressions.
type Converter struct{}

// NewConverter creates a new HCL converter.
func NewConverter() *Converter {
	return &Converter{}
}

// EnvValue turns NAME=value pairs into a map(string). Malformed entries are
// skipped; later duplicates win, as in os/exec.
func (c *Converter) EnvValue(environ []string) (cty.Value, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		env[name] = value
	}
	if len(env) == 0 {
		return cty.MapValEmpty(cty.String), nil
	}
	v, err := gocty.ToCtyValue(env, cty.Map(cty.String))
	if err != nil {
		return cty.NilVal, fmt.Errorf("converting environment: %w", err)
	}
	return v, nil
}
