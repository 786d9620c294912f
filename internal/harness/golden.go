package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/geosync/internal/checksum"
)

// Snapshot renders a result as canonical JSON lines: the scenario name, one
// line per trace event, then the final cursors. Timestamps and lease tokens
// are left out so snapshots only change when behavior does.
func Snapshot(name string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	writeLine := func(v map[string]any) error {
		line, err := checksum.MarshalCanonical(v)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}

	if err := writeLine(map[string]any{"scenario": name}); err != nil {
		return nil, err
	}
	for _, ev := range result.Trace {
		line := map[string]any{"seq": ev.Seq, "step": ev.Step}
		if ev.Registries != nil {
			regs := make([]any, len(ev.Registries))
			for i, r := range ev.Registries {
				regs[i] = r.canonical()
			}
			line["registries"] = regs
		}
		if err := writeLine(line); err != nil {
			return nil, err
		}
	}

	cursors := make(map[string]any, len(result.Cursors))
	for t, id := range result.Cursors {
		cursors[string(t)] = id
	}
	if err := writeLine(map[string]any{"cursors": cursors}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s RegistrySummary) canonical() map[string]any {
	m := map[string]any{
		"key":                      s.Key,
		"state":                    s.State,
		"retry_count":              s.RetryCount,
		"verification_state":       s.VerificationState,
		"verification_retry_count": s.VerificationRetryCount,
	}
	if s.LastSyncFailure != "" {
		m["last_sync_failure"] = s.LastSyncFailure
	}
	if s.ResyncNeeded {
		m["resync_needed"] = true
	}
	if s.VerificationFailure != "" {
		m["verification_failure"] = s.VerificationFailure
	}
	if s.ChecksumMismatch {
		m["checksum_mismatch"] = true
	}
	return m
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can inspect assertion failures.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)
	return nil
}
