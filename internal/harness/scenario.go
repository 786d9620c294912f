package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/replicator"
	"github.com/roach88/geosync/internal/selective"
)

// Scenario drives a secondary through a sequence of primary events, transfer
// failures and clock changes, then asserts on the resulting registries.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Settings configure the secondary. Zero values take defaults.
	Settings Settings `yaml:"settings,omitempty"`

	// Steps run in order. Each step sets exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Settings configure the engine under test.
type Settings struct {
	// Resources maps resource types to strategies. Defaults to uploads as
	// blobs and project repositories as repositories.
	Resources []ResourceSetting `yaml:"resources,omitempty"`

	// Verification enables checksum verification. Defaults to true.
	Verification *bool `yaml:"verification,omitempty"`

	// Scope is the initial selective-sync scope.
	Scope selective.Scope `yaml:"scope,omitempty"`

	BatchSize              int           `yaml:"batch_size,omitempty"`
	SyncTimeout            time.Duration `yaml:"sync_timeout,omitempty"`
	VerificationTimeout    time.Duration `yaml:"verification_timeout,omitempty"`
	ReverificationInterval time.Duration `yaml:"reverification_interval,omitempty"`
}

// ResourceSetting binds a resource type to a strategy name.
type ResourceSetting struct {
	Name     string `yaml:"name"`
	Strategy string `yaml:"strategy"`
}

var defaultResources = []ResourceSetting{
	{Name: "upload", Strategy: replicator.StrategyBlob},
	{Name: "project_repository", Strategy: replicator.StrategyRepository},
}

func (s Settings) resources() []ResourceSetting {
	if len(s.Resources) == 0 {
		return defaultResources
	}
	return s.Resources
}

func (s Settings) verification() bool {
	return s.Verification == nil || *s.Verification
}

// Step is one scenario action.
type Step struct {
	// Emit appends an event to the primary's log.
	Emit *EmitStep `yaml:"emit,omitempty"`

	// Fail makes the next transfers of a resource fail.
	Fail *FailStep `yaml:"fail,omitempty"`

	// Advance moves the clock forward.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Run performs one reconciliation pass.
	Run bool `yaml:"run,omitempty"`

	// Sweep runs the sync and verification timeout sweeps.
	Sweep bool `yaml:"sweep,omitempty"`

	// Scope replaces the selective-sync scope.
	Scope *selective.Scope `yaml:"scope,omitempty"`

	// Resync and Reverify name a resource ("upload/7") to requeue.
	Resync   string `yaml:"resync,omitempty"`
	Reverify string `yaml:"reverify,omitempty"`

	// Corrupt overwrites the local copy of a blob.
	Corrupt string `yaml:"corrupt,omitempty"`
}

// EmitStep describes a primary event.
type EmitStep struct {
	Kind     string `yaml:"kind"`
	Resource string `yaml:"resource"`

	// NamespacePath is the namespace ancestry, root first.
	NamespacePath []int64 `yaml:"namespace_path,omitempty"`

	// Shard defaults to "default".
	Shard string `yaml:"shard,omitempty"`

	// Data is the blob content on the primary. The primary checksum is
	// derived from it.
	Data *string `yaml:"data,omitempty"`

	// Refs are the repository refs on the primary. The primary checksum is
	// derived from them.
	Refs map[string]string `yaml:"refs,omitempty"`

	// Checksum overrides the derived primary checksum.
	Checksum string `yaml:"checksum,omitempty"`
}

// FailStep injects transfer failures.
type FailStep struct {
	Resource string   `yaml:"resource"`
	Errors   []string `yaml:"errors"`
}

// describe renders the step for the trace.
func (s Step) describe() string {
	switch {
	case s.Emit != nil:
		return fmt.Sprintf("emit %s %s", s.Emit.Kind, s.Emit.Resource)
	case s.Fail != nil:
		return fmt.Sprintf("fail %s x%d", s.Fail.Resource, len(s.Fail.Errors))
	case s.Advance > 0:
		return "advance " + s.Advance.String()
	case s.Run:
		return "run"
	case s.Sweep:
		return "sweep"
	case s.Scope != nil:
		return "scope " + s.Scope.String()
	case s.Resync != "":
		return "resync " + s.Resync
	case s.Reverify != "":
		return "reverify " + s.Reverify
	case s.Corrupt != "":
		return "corrupt " + s.Corrupt
	}
	return "noop"
}

// observes reports whether the step can change registries, so the trace
// records them after it.
func (s Step) observes() bool {
	return s.Run || s.Sweep || s.Scope != nil || s.Resync != "" || s.Reverify != ""
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Emit != nil, s.Fail != nil, s.Advance != 0, s.Run, s.Sweep,
		s.Scope != nil, s.Resync != "", s.Reverify != "", s.Corrupt != "",
	} {
		if set {
			n++
		}
	}
	return n
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	strategies := make(map[geo.ResourceType]string)
	for i, r := range s.Settings.resources() {
		if r.Name == "" {
			return fmt.Errorf("settings.resources[%d]: name is required", i)
		}
		if _, dup := strategies[geo.ResourceType(r.Name)]; dup {
			return fmt.Errorf("settings.resources[%d]: duplicate resource type %q", i, r.Name)
		}
		if r.Strategy != replicator.StrategyBlob && r.Strategy != replicator.StrategyRepository {
			return fmt.Errorf("settings.resources[%d]: unknown strategy %q", i, r.Strategy)
		}
		strategies[geo.ResourceType(r.Name)] = r.Strategy
	}
	if _, err := selective.NewFilter(s.Settings.Scope); err != nil {
		return fmt.Errorf("settings.scope: %w", err)
	}

	resource := func(field, ref string) error {
		t, _, err := geo.ParseResourceKey(ref)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if _, ok := strategies[t]; !ok {
			return fmt.Errorf("%s: unknown resource type %q", field, t)
		}
		return nil
	}

	for i, step := range s.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if n := step.actions(); n != 1 {
			return fmt.Errorf("%s: exactly one action is required, got %d", field, n)
		}
		switch {
		case step.Emit != nil:
			if !geo.EventKind(step.Emit.Kind).Valid() {
				return fmt.Errorf("%s.emit: unknown kind %q", field, step.Emit.Kind)
			}
			if err := resource(field+".emit", step.Emit.Resource); err != nil {
				return err
			}
		case step.Fail != nil:
			if err := resource(field+".fail", step.Fail.Resource); err != nil {
				return err
			}
			if len(step.Fail.Errors) == 0 {
				return fmt.Errorf("%s.fail: errors list is required", field)
			}
		case step.Advance < 0:
			return fmt.Errorf("%s: advance must be positive", field)
		case step.Scope != nil:
			if _, err := selective.NewFilter(*step.Scope); err != nil {
				return fmt.Errorf("%s.scope: %w", field, err)
			}
		case step.Resync != "":
			if err := resource(field+".resync", step.Resync); err != nil {
				return err
			}
		case step.Reverify != "":
			if err := resource(field+".reverify", step.Reverify); err != nil {
				return err
			}
		case step.Corrupt != "":
			if err := resource(field+".corrupt", step.Corrupt); err != nil {
				return err
			}
			t, _, _ := geo.ParseResourceKey(step.Corrupt)
			if strategies[t] != replicator.StrategyBlob {
				return fmt.Errorf("%s.corrupt: %s is not replicated as blobs", field, t)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRegistry:
		if _, _, err := geo.ParseResourceKey(a.Resource); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for registry", index)
		}
		for field := range a.Expect {
			if !knownRegistryField(field) {
				return fmt.Errorf("assertions[%d]: unknown registry field %q", index, field)
			}
		}
	case AssertAbsent:
		if _, _, err := geo.ParseResourceKey(a.Resource); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for count", index)
		}
	case AssertCursor:
		if a.ResourceType == "" {
			return fmt.Errorf("assertions[%d]: resource_type is required for cursor", index)
		}
	case AssertTransfers:
		if _, _, err := geo.ParseResourceKey(a.Resource); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for transfers", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
