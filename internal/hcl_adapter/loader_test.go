package hcl_adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestLoader(env ...string) *Loader {
	l := NewLoader()
	l.environ = func() []string { return env }
	return l
}

func TestLoader_RejectsTopLevelAttributes(t *testing.T) {
	t.Parallel()
	path := writeDoc(t, "sweep.hcl", `
dispatch {
  command = ["python", "scripts/main.py"]
}

lr = [0.1, 0.01]
`)

	_, err := newTestLoader().Load(context.Background(), path)

	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "lr", cfgErr.Option)
}

func TestLoader_DispatchAndOrdering(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	path := writeDoc(t, "sweep.hcl", `
dispatch {
  command        = ["python", "scripts/main.py"]
  log_dir        = "logs/ecreact"
  num_gpus       = 4
  available_gpus = [0, 2]
  gpus_per_job   = 2
  max_retries    = 3
  timeout        = "90m"
  results_flag   = "results_path"
  env            = { WANDB_MODE = "offline" }
}

grid {
  lr    = [0.1, 0.01]
  train = true
}

lockstep "encoder" {
  protein_encoder = ["esm2", "gat"]
  checkpoint      = ["esm.ckpt", "gat.ckpt"]
}
`)

	// --- Act ---
	doc, err := newTestLoader().Load(context.Background(), path)

	// --- Assert ---
	require.NoError(t, err)
	d := doc.Dispatch
	assert.Equal(t, []string{"python", "scripts/main.py"}, d.Command)
	assert.Equal(t, "logs/ecreact", d.LogDir)
	assert.Equal(t, 4, d.NumGPUs)
	assert.Equal(t, []string{"0", "2"}, d.AvailableGPUs)
	assert.Equal(t, 2, d.GPUsPerJob)
	assert.Equal(t, 3, d.MaxRetries)
	assert.Equal(t, 90*time.Minute, d.Timeout)
	assert.Equal(t, config.DefaultDeviceEnv, d.DeviceEnv)
	assert.Equal(t, "results_path", d.ResultsFlag)
	assert.Equal(t, map[string]string{"WANDB_MODE": "offline"}, d.Env)

	require.Len(t, doc.Grid.Options, 2)
	assert.Equal(t, "lr", doc.Grid.Options[0].Name)
	assert.Equal(t, 0, doc.Grid.Options[0].Pos)
	assert.Equal(t, config.KindList, doc.Grid.Options[0].Value.Kind)
	assert.Equal(t, "train", doc.Grid.Options[1].Name)
	assert.Equal(t, 1, doc.Grid.Options[1].Pos)

	require.Len(t, doc.Lockstep, 1)
	group := doc.Lockstep[0]
	assert.Equal(t, "encoder", group.Name)
	assert.Equal(t, 2, group.Pos)
	require.Len(t, group.Options, 2)
	assert.Equal(t, "protein_encoder", group.Options[0].Name)
	assert.Equal(t, "checkpoint", group.Options[1].Name)
}

func TestLoader_JSONSyntax(t *testing.T) {
	t.Parallel()
	path := writeDoc(t, "sweep.json", `{
  "dispatch": {"command": ["python", "main.py"], "num_gpus": 2},
  "grid": {"lr": [0.1, 0.01], "seed": [1, 2, 3], "dataset": "ecreact"}
}`)

	doc, err := newTestLoader().Load(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, doc.Grid.Options, 3)
	assert.Equal(t, "lr", doc.Grid.Options[0].Name)
	assert.Equal(t, "seed", doc.Grid.Options[1].Name)
	assert.Len(t, doc.Grid.Options[1].Value.List, 3)
	assert.Equal(t, "logs", doc.Dispatch.LogDir)
	assert.Equal(t, 1, doc.Dispatch.GPUsPerJob)
}

func TestLoader_ExpressionsAndEnv(t *testing.T) {
	t.Parallel()
	path := writeDoc(t, "sweep.hcl", `
dispatch {
  command = ["train"]
}

grid {
  data = "${env.DATA_ROOT}/ecreact"
  seed = range(1, 4)
  tag  = [for s in ["a", "b"] : upper(s)]
}
`)

	doc, err := newTestLoader("DATA_ROOT=/mnt/data").Load(context.Background(), path)
	require.NoError(t, err)

	opts := doc.Grid.Options
	require.Len(t, opts, 3)
	assert.Equal(t, cty.StringVal("/mnt/data/ecreact"), opts[0].Value.Scalar)
	require.Equal(t, config.KindList, opts[1].Value.Kind)
	assert.Len(t, opts[1].Value.List, 3)
	require.Equal(t, config.KindList, opts[2].Value.Kind)
	assert.Equal(t, cty.StringVal("A"), opts[2].Value.List[0])
}

func TestLoader_Rejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing dispatch block",
			doc:  "grid {\n  lr = [0.1]\n}\n",
			want: "missing required `dispatch` block",
		},
		{
			name: "empty command",
			doc:  "dispatch {\n  command = []\n}\n",
			want: "must name the program",
		},
		{
			name: "bad timeout",
			doc:  "dispatch {\n  command = [\"x\"]\n  timeout = \"soon\"\n}\n",
			want: "invalid duration",
		},
		{
			name: "negative retries",
			doc:  "dispatch {\n  command = [\"x\"]\n  max_retries = -1\n}\n",
			want: "must not be negative",
		},
		{
			name: "empty candidate list",
			doc:  "dispatch {\n  command = [\"x\"]\n}\ngrid {\n  lr = []\n}\n",
			want: "must not be empty",
		},
		{
			name: "syntax error",
			doc:  "dispatch {\n  command = [\n",
			want: "config error",
		},
		{
			name: "misspelled block",
			doc:  "dispatch {\n  command = [\"x\"]\n}\ngird {\n  lr = [0.1, 0.01]\n}\n",
			want: "Unexpected \"gird\" block",
		},
		{
			name: "empty lockstep group",
			doc:  "dispatch {\n  command = [\"x\"]\n}\nlockstep \"g\" {\n}\n",
			want: "lockstep group has no options",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeDoc(t, "doc.hcl", tc.doc)

			_, err := newTestLoader().Load(context.Background(), path)

			require.Error(t, err)
			var cfgErr *config.Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, path, cfgErr.Path)
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := newTestLoader().Load(context.Background(), filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
	var cfgErr *config.Error
	assert.NotErrorAs(t, err, &cfgErr)
}

func TestLoader_DirectoryWithOneDocument(t *testing.T) {
	t.Parallel()
	path := writeDoc(t, "sweep.hcl", `
dispatch {
  command = ["train"]
}
`)

	doc, err := newTestLoader().Load(context.Background(), filepath.Dir(path))

	require.NoError(t, err)
	assert.Equal(t, path, doc.Path)
	assert.Equal(t, []string{"train"}, doc.Dispatch.Command)
}
