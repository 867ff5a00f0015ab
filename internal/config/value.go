package config

import (
	"github.com/zclconf/go-cty/cty"
)

// FromCty validates an evaluated cty value into the Value variant. Tuples,
// lists and sets become candidate lists, objects and maps become nested
// trees and primitives become scalars.
func FromCty(name string, v cty.Value) (Value, error) {
	if !v.IsKnown() {
		return Value{}, Errorf(name, "value is not known at load time")
	}
	if v.IsNull() {
		return ScalarValue(v), nil
	}

	ty := v.Type()
	switch {
	case ty.IsPrimitiveType():
		return ScalarValue(v), nil

	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		if v.LengthInt() == 0 {
			return Value{}, Errorf(name, "candidate list must not be empty")
		}
		candidates := make([]cty.Value, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, el := it.Element()
			if err := checkCandidate(name, el); err != nil {
				return Value{}, err
			}
			for _, seen := range candidates {
				if seen.RawEquals(el) {
					return Value{}, Errorf(name, "duplicate candidate %s", Render(el))
				}
			}
			candidates = append(candidates, el)
		}
		return ListValue(candidates...), nil

	case ty.IsObjectType() || ty.IsMapType():
		tree := &Tree{}
		for it := v.ElementIterator(); it.Next(); {
			k, el := it.Element()
			key := k.AsString()
			child, err := FromCty(name+"."+key, el)
			if err != nil {
				return Value{}, err
			}
			tree.Options = append(tree.Options, &Option{Name: key, Value: child})
		}
		if len(tree.Options) == 0 {
			return Value{}, Errorf(name, "nested map must not be empty")
		}
		return MapValue(tree), nil
	}

	return Value{}, Errorf(name, "unsupported value type %s", ty.FriendlyName())
}

func checkCandidate(name string, el cty.Value) error {
	if !el.IsKnown() {
		return Errorf(name, "candidate is not known at load time")
	}
	if el.IsNull() || el.Type().IsPrimitiveType() {
		return nil
	}
	return Errorf(name, "candidates must be strings, numbers or booleans, got %s", el.Type().FriendlyName())
}

// Render prints a scalar the way it is passed on a command line.
func Render(v cty.Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.Type() == cty.String:
		return v.AsString()
	case v.Type() == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			return bf.Text('f', 0)
		}
		return bf.Text('g', -1)
	case v.Type() == cty.Bool:
		if v.True() {
			return "true"
		}
		return "false"
	}
	return v.GoString()
}

// Leaf is a flattened option: a dotted name and its scalar or list value.
type Leaf struct {
	Name  string
	Value Value
	Pos   int
}

// Flatten walks the tree in order and returns its leaves with nested map
// keys joined by dots. Name collisions are reported as errors.
func (t *Tree) Flatten() ([]Leaf, error) {
	var leaves []Leaf
	seen := make(map[string]struct{})
	var walk func(prefix string, pos int, opts []*Option) error
	walk = func(prefix string, pos int, opts []*Option) error {
		for _, o := range opts {
			name := o.Name
			if prefix != "" {
				name = prefix + "." + o.Name
			} else {
				pos = o.Pos
			}
			if o.Value.Kind == KindMap {
				if err := walk(name, pos, o.Value.Map.Options); err != nil {
					return err
				}
				continue
			}
			if _, dup := seen[name]; dup {
				return Errorf(name, "option is defined more than once")
			}
			seen[name] = struct{}{}
			leaves = append(leaves, Leaf{Name: name, Value: o.Value, Pos: pos})
		}
		return nil
	}
	if t == nil {
		return nil, nil
	}
	if err := walk("", 0, t.Options); err != nil {
		return nil, err
	}
	return leaves, nil
}
