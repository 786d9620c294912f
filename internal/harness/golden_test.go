package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestSnapshot_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/sync_failure_recovery.yaml")
	require.NoError(t, err)

	var snapshots []string
	for range 2 {
		result, err := Run(context.Background(), scenario)
		require.NoError(t, err)
		snap, err := Snapshot(scenario.Name, result)
		require.NoError(t, err)
		snapshots = append(snapshots, string(snap))
	}
	assert.Equal(t, snapshots[0], snapshots[1])
}

func TestSnapshot_Format(t *testing.T) {
	result := NewResult()
	result.AddTrace("emit created upload/1", nil)
	result.Trace = append(result.Trace, TraceEvent{
		Seq:  2,
		Step: "run",
		Registries: []RegistrySummary{{
			Key:               "upload/1",
			State:             "failed",
			RetryCount:        1,
			LastSyncFailure:   "Sync failed: boom",
			VerificationState: "pending",
		}},
	})
	result.Cursors["upload"] = 1

	snap, err := Snapshot("format", result)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"format"}
{"seq":1,"step":"emit created upload/1"}
{"registries":[{"key":"upload/1","last_sync_failure":"Sync failed: boom","retry_count":1,"state":"failed","verification_retry_count":0,"verification_state":"pending"}],"seq":2,"step":"run"}
{"cursors":{"upload":1}}
`, string(snap))
}
