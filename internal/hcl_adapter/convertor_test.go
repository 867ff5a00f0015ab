package hcl_adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestConverter_EnvValue(t *testing.T) {
	t.Parallel()

	v, err := NewConverter().EnvValue([]string{"A=1", "broken", "=x", "B=x=y", "A=2"})

	require.NoError(t, err)
	assert.True(t, v.Type().Equals(cty.Map(cty.String)))
	assert.Equal(t, cty.StringVal("2"), v.Index(cty.StringVal("A")))
	assert.Equal(t, cty.StringVal("x=y"), v.Index(cty.StringVal("B")))
	assert.Equal(t, 2, v.LengthInt())
}

func TestConverter_EnvValueEmpty(t *testing.T) {
	t.Parallel()

	v, err := NewConverter().EnvValue(nil)

	require.NoError(t, err)
	assert.True(t, v.Type().Equals(cty.Map(cty.String)))
	assert.Equal(t, 0, v.LengthInt())
}
