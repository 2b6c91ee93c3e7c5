package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tillsync/internal/canonical"
)

// Snapshot renders a result as canonical JSON: the scenario name, every
// step outcome and the final queue depth. Timestamps other than the fake
// clock's are never included, so snapshots are stable across runs.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, event := range result.Trace {
		outcome := event.Outcome
		if outcome == nil {
			outcome = map[string]any{}
		}
		trace[i] = map[string]any{
			"seq":     event.Seq,
			"step":    event.Step,
			"outcome": outcome,
		}
	}

	return canonical.Marshal(map[string]any{
		"scenario_name": scenarioName,
		"trace":         trace,
		"queue":         result.Queue,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors. Test failure
// (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
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
