package grid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/zclconf/go-cty/cty"
)

// idLength is the number of hex digits kept from the content hash.
const idLength = 12

// Param is one resolved option of a job.
type Param struct {
	Name  string
	Value cty.Value
}

// JobSpec is one fully resolved point of the grid. It is immutable once
// created.
type JobSpec struct {
	// Index is the position of the job in the expansion.
	Index int
	// ID is derived from the job's content, so the same resolved options
	// always map to the same ID across runs and grid edits.
	ID     string
	Params []Param
}

// Lookup returns the value of the named param.
func (j JobSpec) Lookup(name string) (cty.Value, bool) {
	for _, p := range j.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return cty.NilVal, false
}

// String renders the params as space separated name=value pairs.
func (j JobSpec) String() string {
	parts := make([]string, len(j.Params))
	for i, p := range j.Params {
		parts[i] = p.Name + "=" + config.Render(p.Value)
	}
	return strings.Join(parts, " ")
}

func jobID(params []Param) string {
	h := sha256.New()
	for _, p := range params {
		typeName := "null"
		if !p.Value.IsNull() {
			typeName = p.Value.Type().FriendlyName()
		}
		h.Write([]byte(p.Name))
		h.Write([]byte{0})
		h.Write([]byte(typeName))
		h.Write([]byte{0})
		h.Write([]byte(config.Render(p.Value)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}
