package grid

import (
	"fmt"
	"iter"
	"math"
	"sort"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/zclconf/go-cty/cty"
)

// MaxJobs bounds the size of a single expansion.
const MaxJobs = math.MaxInt32

// dimension is one varying axis of the grid. A plain list option sets one
// slot; a lockstep group sets one slot per member.
type dimension struct {
	slots []int
	// values[k][j] is the k-th candidate for slots[j].
	values [][]cty.Value
}

// Expansion is the lazily evaluated cartesian product of a document's
// options.
type Expansion struct {
	names []string
	base  []cty.Value
	dims  []dimension
	size  int
}

type entry struct {
	leaf  config.Leaf
	group *config.Group
}

// Expand validates the tree and lockstep groups and prepares their
// expansion. Misaligned lockstep groups, duplicate option names and grids
// larger than MaxJobs are rejected with a *config.Error.
func Expand(tree *config.Tree, groups []*config.Group) (*Expansion, error) {
	leaves, err := tree.Flatten()
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(leaves)+len(groups))
	for _, leaf := range leaves {
		entries = append(entries, entry{leaf: leaf})
	}
	groupLeaves := make(map[*config.Group][]config.Leaf, len(groups))
	for _, g := range groups {
		gl, err := (&config.Tree{Options: g.Options}).Flatten()
		if err != nil {
			return nil, err
		}
		if len(gl) == 0 {
			return nil, config.Errorf(g.Name, "lockstep group has no options")
		}
		groupLeaves[g] = gl
		entries = append(entries, entry{group: g, leaf: config.Leaf{Pos: g.Pos}})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].leaf.Pos < entries[j].leaf.Pos })

	e := &Expansion{size: 1}
	seen := make(map[string]struct{})
	addSlot := func(name string, v cty.Value) (int, error) {
		if _, dup := seen[name]; dup {
			return 0, config.Errorf(name, "option is defined more than once")
		}
		seen[name] = struct{}{}
		e.names = append(e.names, name)
		e.base = append(e.base, v)
		return len(e.names) - 1, nil
	}

	for _, ent := range entries {
		var dim dimension
		if ent.group != nil {
			dim, err = e.groupDimension(ent.group, groupLeaves[ent.group], addSlot)
		} else {
			dim, err = e.leafDimension(ent.leaf, addSlot)
		}
		if err != nil {
			return nil, err
		}
		if len(dim.values) == 0 {
			continue
		}
		if e.size > MaxJobs/len(dim.values) {
			return nil, &config.Error{Msg: fmt.Sprintf("grid expands to more than %d jobs", MaxJobs)}
		}
		e.size *= len(dim.values)
		e.dims = append(e.dims, dim)
	}
	return e, nil
}

func (e *Expansion) leafDimension(leaf config.Leaf, addSlot func(string, cty.Value) (int, error)) (dimension, error) {
	switch leaf.Value.Kind {
	case config.KindScalar:
		_, err := addSlot(leaf.Name, leaf.Value.Scalar)
		return dimension{}, err
	case config.KindList:
		if len(leaf.Value.List) == 0 {
			return dimension{}, config.Errorf(leaf.Name, "candidate list must not be empty")
		}
		slot, err := addSlot(leaf.Name, leaf.Value.List[0])
		if err != nil {
			return dimension{}, err
		}
		dim := dimension{slots: []int{slot}}
		for _, v := range leaf.Value.List {
			dim.values = append(dim.values, []cty.Value{v})
		}
		return dim, nil
	}
	return dimension{}, config.Errorf(leaf.Name, "unexpected %s value", leaf.Value.Kind)
}

func (e *Expansion) groupDimension(g *config.Group, leaves []config.Leaf, addSlot func(string, cty.Value) (int, error)) (dimension, error) {
	width := -1
	for _, leaf := range leaves {
		if leaf.Value.Kind != config.KindList {
			return dimension{}, config.Errorf(leaf.Name, "lockstep group %q members must be lists, got %s", g.Name, leaf.Value.Kind)
		}
		n := len(leaf.Value.List)
		if width >= 0 && n != width {
			return dimension{}, config.Errorf(leaf.Name, "lockstep group %q: has %d candidates, %q has %d", g.Name, n, leaves[0].Name, width)
		}
		width = n
	}
	if width == 0 {
		return dimension{}, config.Errorf(g.Name, "lockstep group candidates must not be empty")
	}

	dim := dimension{values: make([][]cty.Value, width)}
	for _, leaf := range leaves {
		slot, err := addSlot(leaf.Name, leaf.Value.List[0])
		if err != nil {
			return dimension{}, err
		}
		dim.slots = append(dim.slots, slot)
		for k, v := range leaf.Value.List {
			dim.values[k] = append(dim.values[k], v)
		}
	}
	for k := 1; k < width; k++ {
		for prev := 0; prev < k; prev++ {
			if tupleEqual(dim.values[k], dim.values[prev]) {
				return dimension{}, config.Errorf(g.Name, "lockstep group has duplicate entries at positions %d and %d", prev, k)
			}
		}
	}
	return dim, nil
}

func tupleEqual(a, b []cty.Value) bool {
	for i := range a {
		if !a[i].RawEquals(b[i]) {
			return false
		}
	}
	return true
}

// Len returns the number of jobs in the expansion: the product of the
// lengths of all dimensions.
func (e *Expansion) Len() int {
	return e.size
}

// Names returns the resolved option names in param order.
func (e *Expansion) Names() []string {
	return append([]string(nil), e.names...)
}

// At computes the i-th job. It panics if i is out of range.
func (e *Expansion) At(i int) JobSpec {
	if i < 0 || i >= e.size {
		panic(fmt.Sprintf("grid: job index %d out of range [0, %d)", i, e.size))
	}

	values := append([]cty.Value(nil), e.base...)
	rem := i
	for d := len(e.dims) - 1; d >= 0; d-- {
		dim := e.dims[d]
		k := rem % len(dim.values)
		rem /= len(dim.values)
		for j, slot := range dim.slots {
			values[slot] = dim.values[k][j]
		}
	}

	params := make([]Param, len(values))
	for s, v := range values {
		params[s] = Param{Name: e.names[s], Value: v}
	}
	return JobSpec{Index: i, ID: jobID(params), Params: params}
}

// All returns the jobs in expansion order. The sequence can be ranged over
// any number of times.
func (e *Expansion) All() iter.Seq[JobSpec] {
	return func(yield func(JobSpec) bool) {
		for i := 0; i < e.size; i++ {
			if !yield(e.At(i)) {
				return
			}
		}
	}
}

// Iterator returns a pull cursor positioned at the first job.
func (e *Expansion) Iterator() *Iterator {
	return &Iterator{e: e}
}

// Iterator walks an expansion one job at a time.
type Iterator struct {
	e    *Expansion
	next int
}

// Next returns the next job, or false when the expansion is exhausted.
func (it *Iterator) Next() (JobSpec, bool) {
	if it.next >= it.e.size {
		return JobSpec{}, false
	}
	job := it.e.At(it.next)
	it.next++
	return job, true
}

// Remaining returns the number of jobs not yet returned by Next.
func (it *Iterator) Remaining() int {
	return it.e.size - it.next
}
