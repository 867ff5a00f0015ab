package hcl_adapter

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// functions is the set of functions available inside option expressions,
// mostly useful for generating candidate lists.
var functions = map[string]function.Function{
	"concat": stdlib.ConcatFunc,
	"format": stdlib.FormatFunc,
	"lower":  stdlib.LowerFunc,
	"max":    stdlib.MaxFunc,
	"min":    stdlib.MinFunc,
	"pow":    stdlib.PowFunc,
	"range":  stdlib.RangeFunc,
	"upper":  stdlib.UpperFunc,
}

// evalContext builds the evaluation context for option expressions. The
// process environment is exposed as the `env` object.
func (l *Loader) evalContext() (*hcl.EvalContext, error) {
	envVal, err := l.converter.EnvValue(l.environ())
	if err != nil {
		return nil, err
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": envVal},
		Functions: functions,
	}, nil
}
