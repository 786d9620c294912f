package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/store"
)

// Assertion validates the final state of a scenario.
type Assertion struct {
	// Type specifies the assertion type:
	// - "registry": the registry of Resource has the Expect field values
	// - "absent": Resource has no registry
	// - "count": Count registries match ResourceType, State and
	//   VerificationState (empty filters match everything)
	// - "cursor": the event cursor of ResourceType is Value
	// - "transfers": Count transfers of Resource were attempted
	Type string `yaml:"type"`

	// Resource is a "type/id" reference.
	Resource string `yaml:"resource,omitempty"`

	// Expect lists registry fields and their expected values. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	ResourceType      string `yaml:"resource_type,omitempty"`
	State             string `yaml:"state,omitempty"`
	VerificationState string `yaml:"verification_state,omitempty"`

	Count *int  `yaml:"count,omitempty"`
	Value int64 `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertRegistry  = "registry"
	AssertAbsent    = "absent"
	AssertCount     = "count"
	AssertCursor    = "cursor"
	AssertTransfers = "transfers"
)

// registryFields are the registry fields an assertion can inspect.
var registryFields = map[string]func(geo.Registry) any{
	"state":                    func(r geo.Registry) any { return string(r.State) },
	"retry_count":              func(r geo.Registry) any { return r.RetryCount },
	"last_sync_failure":        func(r geo.Registry) any { return r.LastSyncFailure },
	"resync_needed":            func(r geo.Registry) any { return r.ResyncNeeded },
	"last_event_id":            func(r geo.Registry) any { return r.LastEventID },
	"lease_token":              func(r geo.Registry) any { return r.LeaseToken },
	"synced":                   func(r geo.Registry) any { return r.LastSyncedAt != nil },
	"retry_scheduled":          func(r geo.Registry) any { return r.RetryAt != nil },
	"verification_state":       func(r geo.Registry) any { return string(r.VerificationState) },
	"verification_checksum":    func(r geo.Registry) any { return r.VerificationChecksum },
	"verification_retry_count": func(r geo.Registry) any { return r.VerificationRetryCount },
	"verification_failure":     func(r geo.Registry) any { return r.VerificationFailure },
	"checksum_mismatch":        func(r geo.Registry) any { return r.ChecksumMismatch },
	"verified":                 func(r geo.Registry) any { return r.VerifiedAt != nil },
}

func knownRegistryField(name string) bool {
	_, ok := registryFields[name]
	return ok
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, event.Step)
	}
	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx       context.Context
	Store     *store.Store
	Transfers func(t geo.ResourceType, id int64) int
}

// assertRegistry checks the fields of one registry (subset match).
func assertRegistry(result *Result, assertion Assertion) error {
	t, id, err := geo.ParseResourceKey(assertion.Resource)
	if err != nil {
		return err
	}
	reg, ok := findRegistry(result.Registries, t, id)
	if !ok {
		return &AssertionError{
			Type:     AssertRegistry,
			Expected: fmt.Sprintf("registry %s", assertion.Resource),
			Actual:   "no registry",
			Trace:    result.Trace,
		}
	}

	var mismatches []string
	for _, field := range sortedFields(assertion.Expect) {
		get, ok := registryFields[field]
		if !ok {
			return fmt.Errorf("unknown registry field %q", field)
		}
		want := assertion.Expect[field]
		if got := get(reg); !valuesEqual(got, want) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%v (want %v)", field, got, want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertRegistry,
			Expected: fmt.Sprintf("registry %s with %v", assertion.Resource, assertion.Expect),
			Actual:   strings.Join(mismatches, ", "),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertAbsent checks that a resource has no registry.
func assertAbsent(result *Result, assertion Assertion) error {
	t, id, err := geo.ParseResourceKey(assertion.Resource)
	if err != nil {
		return err
	}
	if reg, ok := findRegistry(result.Registries, t, id); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("no registry for %s", assertion.Resource),
			Actual:   fmt.Sprintf("registry in state %s", reg.State),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertCount counts registries matching the filters.
func assertCount(result *Result, assertion Assertion) error {
	n := 0
	for _, r := range result.Registries {
		if assertion.ResourceType != "" && string(r.ResourceType) != assertion.ResourceType {
			continue
		}
		if assertion.State != "" && string(r.State) != assertion.State {
			continue
		}
		if assertion.VerificationState != "" && string(r.VerificationState) != assertion.VerificationState {
			continue
		}
		n++
	}
	if n != *assertion.Count {
		return &AssertionError{
			Type: AssertCount,
			Expected: fmt.Sprintf("%d registries (type=%q state=%q verification_state=%q)",
				*assertion.Count, assertion.ResourceType, assertion.State, assertion.VerificationState),
			Actual: fmt.Sprintf("%d registries", n),
			Trace:  result.Trace,
		}
	}
	return nil
}

// assertCursor checks the final event cursor of a resource type.
func assertCursor(ctx context.Context, st *store.Store, result *Result, assertion Assertion) error {
	got, err := st.Cursor(ctx, geo.ResourceType(assertion.ResourceType))
	if err != nil {
		return err
	}
	if got != assertion.Value {
		return &AssertionError{
			Type:     AssertCursor,
			Expected: fmt.Sprintf("cursor of %s at %d", assertion.ResourceType, assertion.Value),
			Actual:   fmt.Sprintf("cursor at %d", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertTransfers checks how often a resource was transferred.
func assertTransfers(actx *AssertionContext, result *Result, assertion Assertion) error {
	t, id, err := geo.ParseResourceKey(assertion.Resource)
	if err != nil {
		return err
	}
	if got := actx.Transfers(t, id); got != *assertion.Count {
		return &AssertionError{
			Type:     AssertTransfers,
			Expected: fmt.Sprintf("%d transfers of %s", *assertion.Count, assertion.Resource),
			Actual:   fmt.Sprintf("%d transfers", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func findRegistry(regs []geo.Registry, t geo.ResourceType, id int64) (geo.Registry, bool) {
	for _, r := range regs {
		if r.ResourceType == t && r.ModelRecordID == id {
			return r, true
		}
	}
	return geo.Registry{}, false
}

func sortedFields(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// valuesEqual compares a registry field with a YAML-decoded expectation.
// YAML integers decode as int while registry fields may be int64, so
// scalars compare by their printed form.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == expected
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertRegistry:
			err = assertRegistry(result, assertion)
		case AssertAbsent:
			err = assertAbsent(result, assertion)
		case AssertCount:
			if assertion.Count == nil {
				err = errors.New("count is required")
			} else {
				err = assertCount(result, assertion)
			}
		case AssertCursor:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: cursor requires database context", i)
			} else {
				err = assertCursor(actx.Ctx, actx.Store, result, assertion)
			}
		case AssertTransfers:
			if actx == nil || actx.Transfers == nil || assertion.Count == nil {
				err = fmt.Errorf("assertion[%d]: transfers requires a transfer counter and count", i)
			} else {
				err = assertTransfers(actx, result, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
