package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot is the struct used to decode the top-level blocks of a document.
type fileRoot struct {
	Dispatch *DispatchBlock   `hcl:"dispatch,block"`
	Grid     *GridBlock       `hcl:"grid,block"`
	Lockstep []*LockstepBlock `hcl:"lockstep,block"`
	Remain   hcl.Body         `hcl:",remain"`
}

// DispatchBlock is the HCL schema of the `dispatch` block.
type DispatchBlock struct {
	Command       []string          `hcl:"command"`
	WorkDir       string            `hcl:"workdir,optional"`
	LogDir        string            `hcl:"log_dir,optional"`
	NumGPUs       int               `hcl:"num_gpus,optional"`
	AvailableGPUs []string          `hcl:"available_gpus,optional"`
	GPUsPerJob    int               `hcl:"gpus_per_job,optional"`
	MaxRetries    int               `hcl:"max_retries,optional"`
	Timeout       string            `hcl:"timeout,optional"`
	DeviceEnv     string            `hcl:"device_env,optional"`
	DeviceFlag    string            `hcl:"device_flag,optional"`
	ResultsFlag   string            `hcl:"results_flag,optional"`
	Env           map[string]string `hcl:"env,optional"`
}

// GridBlock is the HCL schema of the `grid` block. Its attributes are the
// options of the tree, so the body is kept raw and read attribute by attribute.
type GridBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// LockstepBlock is the HCL schema of a `lockstep "<name>"` block.
type LockstepBlock struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}
