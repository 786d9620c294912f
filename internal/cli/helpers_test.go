package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/store"
)

// testEnv is a config file and database in a temp directory.
type testEnv struct {
	dir    string
	config string
	db     string
	root   string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "geosync.yaml"),
		db:     filepath.Join(dir, "geosync.db"),
		root:   filepath.Join(dir, "data"),
	}
	doc := fmt.Sprintf(`node:
  name: secondary-test
database:
  path: %s
storage:
  root: %s
resources:
  - { name: upload, strategy: blob }
  - { name: project_repository, strategy: repository }
%s`, env.db, env.root, extra)
	require.NoError(t, os.WriteFile(env.config, []byte(doc), 0o644))
	return env
}

// execute runs the root command with args and returns stdout.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(e.db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// seed creates a registry and applies transitions to it.
func seed(t *testing.T, st *store.Store, rt geo.ResourceType, id int64, transitions ...func(geo.Registry) (geo.Registry, error)) geo.Registry {
	t.Helper()
	ctx := context.Background()
	reg, _, err := st.FindOrInitialize(ctx, rt, id)
	require.NoError(t, err)
	for _, fn := range transitions {
		reg, err = st.Update(ctx, rt, id, fn)
		require.NoError(t, err)
	}
	return reg
}

func started(at time.Time) func(geo.Registry) (geo.Registry, error) {
	return func(r geo.Registry) (geo.Registry, error) { return r.Start(at, "lease-1") }
}

func synced(r geo.Registry) (geo.Registry, error) {
	return r.MarkSynced("lease-1", time.Now())
}
