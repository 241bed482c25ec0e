package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/server"
	"github.com/l3aro/go-deflat/pkg/flatten"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/task"
)

func writeFlattened(t *testing.T, path string, seed int64) {
	t.Helper()
	x := mir.Reg("x")
	g := mir.New("diamond", 0x1000)
	g.Emit(0x1000, mir.BlockNormal, []mir.Insn{mir.Jcc(mir.Reg("a"), mir.CondEq, mir.Imm(0))}, 1, 2)
	g.Emit(0x1010, mir.BlockNormal, []mir.Insn{mir.Mov(x, mir.Imm(1)), mir.Goto()}, 3)
	g.Emit(0x1020, mir.BlockNormal, []mir.Insn{mir.Mov(x, mir.Imm(2)), mir.Goto()}, 3)
	g.Emit(0x1030, mir.BlockExit, []mir.Insn{mir.Ret()})

	res, err := flatten.Flatten(g, flatten.Options{Seed: seed})
	require.NoError(t, err)
	tk, err := task.New(res.Graph, task.ArchMetaPC, 64, []uint64{res.Dispatcher})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, tk.Save(path))
}

func byPath(s *Summary) map[string]Result {
	out := make(map[string]Result)
	for _, r := range s.Results {
		out[r.Path] = r
	}
	return out
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	state := t.TempDir()
	writeFlattened(t, filepath.Join(root, "good.json"), 1)
	writeFlattened(t, filepath.Join(root, "sub", "other.json"), 2)
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.json"), []byte("{"), 0644))

	cfg := config.DefaultConfig()
	opts := Options{Jobs: 2, StateDir: state}

	sum, err := Run(context.Background(), root, cfg, opts, nil)
	require.NoError(t, err)
	require.Len(t, sum.Results, 3)
	processed, skipped, failed := sum.Counts()
	assert.Equal(t, 3, processed)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, 1, failed)

	res := byPath(sum)
	assert.Equal(t, server.CodeBadRequest, res["bad.json"].Code)
	good := res["good.json"]
	require.Equal(t, server.CodeOK, good.Code, good.Error)
	assert.Greater(t, good.Committed, 0)
	assert.Equal(t, 0, good.Unresolved)
	assert.Equal(t, filepath.Join(root, "good.deflat.json"), good.Output)

	patched, err := task.Load(good.Output)
	require.NoError(t, err)
	g, err := patched.Graph()
	require.NoError(t, err)
	assert.NoError(t, g.Validate())

	// outputs are not picked up, unchanged inputs are skipped
	sum, err = Run(context.Background(), root, cfg, opts, nil)
	require.NoError(t, err)
	require.Len(t, sum.Results, 3)
	_, skipped, _ = sum.Counts()
	assert.Equal(t, 3, skipped)
	assert.Equal(t, good.Committed, byPath(sum)["good.json"].Committed)

	// a settings change invalidates the record
	cfg.DispatcherPolicy = "abort"
	sum, err = Run(context.Background(), root, cfg, opts, nil)
	require.NoError(t, err)
	_, skipped, _ = sum.Counts()
	assert.Equal(t, 0, skipped)

	// so does force
	opts.Force = true
	sum, err = Run(context.Background(), root, cfg, opts, nil)
	require.NoError(t, err)
	_, skipped, _ = sum.Counts()
	assert.Equal(t, 0, skipped)
}

func TestRun_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFlattened(t, filepath.Join(root, "a.json"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, root, config.DefaultConfig(), Options{StateDir: t.TempDir()}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFingerprint(t *testing.T) {
	a := config.DefaultConfig()
	b := config.DefaultConfig()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	b.MaxSteps = 7
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	b = config.DefaultConfig()
	b.Listen = ":1"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
