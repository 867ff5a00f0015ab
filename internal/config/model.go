package config

import (
	"time"

	"github.com/zclconf/go-cty/cty"
)

// DefaultDeviceEnv is the environment variable used to restrict a job to its
// leased devices when the document does not name one.
const DefaultDeviceEnv = "CUDA_VISIBLE_DEVICES"

// Document is the unified, format-agnostic representation of one dispatch
// document.
type Document struct {
	// Path is the file the document was loaded from.
	Path     string
	Dispatch Dispatch
	Grid     *Tree
	Lockstep []*Group
}

// Dispatch holds the cross-cutting options of a document. They configure
// the dispatcher itself and are never passed to jobs.
type Dispatch struct {
	// Command is the external program and its fixed leading arguments.
	Command []string
	WorkDir string
	LogDir  string
	// NumGPUs is the plain device count. AvailableGPUs overrides it when set.
	NumGPUs       int
	AvailableGPUs []string
	GPUsPerJob    int
	MaxRetries    int
	// Timeout is the wall-clock limit of one attempt. Zero disables it.
	Timeout time.Duration
	// DeviceEnv names the environment variable carrying leased device ids.
	DeviceEnv string
	// DeviceFlag, when set, also passes leased device ids as --<DeviceFlag>.
	DeviceFlag string
	// ResultsFlag, when set, passes --<ResultsFlag> <log_dir>/<job id>.results.
	ResultsFlag string
	Env         map[string]string
}

// Tree is an ordered option tree. Option order is declaration order.
type Tree struct {
	Options []*Option
}

// Option is a single named entry of a Tree or Group.
type Option struct {
	Name  string
	Value Value
	// Pos is the declaration ordinal of the option within the document.
	// Expansion dimensions are ordered by it.
	Pos int
}

// Group is a lockstep group: every member option is a list of the same
// length and the group varies as a single dimension.
type Group struct {
	Name    string
	Options []*Option
	Pos     int
}

// Kind discriminates the variants of Value.
type Kind int

const (
	// KindScalar is a single primitive value: string, number, bool or null.
	KindScalar Kind = iota
	// KindList is a non-empty list of distinct candidate scalars.
	KindList
	// KindMap is a nested option tree.
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// Value is a tagged variant holding exactly one of Scalar, List or Map,
// selected by Kind.
type Value struct {
	Kind   Kind
	Scalar cty.Value
	List   []cty.Value
	Map    *Tree
}

// ScalarValue wraps a primitive as a Value.
func ScalarValue(v cty.Value) Value {
	return Value{Kind: KindScalar, Scalar: v}
}

// ListValue wraps candidate primitives as a Value.
func ListValue(vs ...cty.Value) Value {
	return Value{Kind: KindList, List: vs}
}

// MapValue wraps a nested tree as a Value.
func MapValue(t *Tree) Value {
	return Value{Kind: KindMap, Map: t}
}
