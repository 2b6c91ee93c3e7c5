package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of the engine against fresh stores.
// Steps execute in order against a fake clock; assertions then inspect
// the queue, the idempotency table and the ledger.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tenant is the default tenant for steps and assertions that omit one.
	Tenant string `yaml:"tenant,omitempty"`

	// Start is the fake clock's initial time (RFC 3339). Defaults to
	// DefaultStart.
	Start string `yaml:"start,omitempty"`

	// MaxRetries overrides the engine's retry budget.
	MaxRetries *int `yaml:"max_retries,omitempty"`

	// Steps are the actions to drive, in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultStart is the fake clock's initial time when a scenario sets none.
var DefaultStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// DefaultTenant is used when neither the scenario nor the step names one.
const DefaultTenant = "tenant-a"

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Enqueue  *EnqueueStep `yaml:"enqueue,omitempty"`
	Process  *ProcessStep `yaml:"process,omitempty"`
	Recover  *RecoverStep `yaml:"recover,omitempty"`
	Cleanup  *CleanupStep `yaml:"cleanup,omitempty"`
	Cancel   *CancelStep  `yaml:"cancel,omitempty"`
	FailNext *FaultStep   `yaml:"fail_next,omitempty"`

	// Advance moves the fake clock forward. Accepts Go durations plus a
	// "d" suffix for days, e.g. "90s", "2h", "40d".
	Advance string `yaml:"advance,omitempty"`

	// Expect is matched against the step's outcome. Only the listed keys
	// are compared.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// EnqueueStep submits one operation.
type EnqueueStep struct {
	Tenant     string         `yaml:"tenant,omitempty"`
	Key        string         `yaml:"key"`
	Type       string         `yaml:"type"`
	Op         string         `yaml:"op"`
	EntityType string         `yaml:"entity_type"`
	EntityID   string         `yaml:"entity_id,omitempty"`
	Payload    map[string]any `yaml:"payload"`
	Priority   int            `yaml:"priority,omitempty"`
}

// ProcessStep drains the queue in batches.
type ProcessStep struct {
	MaxItems   int    `yaml:"max_items,omitempty"`
	MaxBatches int    `yaml:"max_batches,omitempty"`
	Tenant     string `yaml:"tenant,omitempty"`
}

// RecoverStep runs the recovery sweep.
type RecoverStep struct {
	Tenant      string `yaml:"tenant,omitempty"`
	WindowHours int    `yaml:"window_hours,omitempty"`
}

// CleanupStep runs the retention sweep.
type CleanupStep struct {
	OlderThanDays int `yaml:"older_than_days"`
}

// CancelStep cancels a pending operation.
type CancelStep struct {
	Tenant      string `yaml:"tenant,omitempty"`
	OperationID string `yaml:"operation_id"`
}

// FaultStep makes the next applies on an entity fail.
type FaultStep struct {
	EntityID string `yaml:"entity_id"`
	Times    int    `yaml:"times"`
	Kind     string `yaml:"kind"` // transient or permanent
	Message  string `yaml:"message,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of operation, operation_absent, queue, entity or
	// idempotency.
	Type string `yaml:"type"`

	// OperationID selects the operation (operation, operation_absent).
	OperationID string `yaml:"operation_id,omitempty"`

	// Tenant defaults to the scenario tenant (entity, idempotency).
	Tenant string `yaml:"tenant,omitempty"`

	// EntityType and EntityID select a ledger entity (entity).
	EntityType string `yaml:"entity_type,omitempty"`
	EntityID   string `yaml:"entity_id,omitempty"`

	// Key selects an idempotency record (idempotency).
	Key string `yaml:"key,omitempty"`

	// Expect contains expected field values. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertOperation       = "operation"
	AssertOperationAbsent = "operation_absent"
	AssertQueue           = "queue"
	AssertEntity          = "entity"
	AssertIdempotency     = "idempotency"
)

// Step kind names, used in the trace.
const (
	StepEnqueue  = "enqueue"
	StepProcess  = "process"
	StepRecover  = "recover"
	StepCleanup  = "cleanup"
	StepCancel   = "cancel"
	StepFailNext = "fail_next"
	StepAdvance  = "advance"
)

// Kind returns the name of the step's action.
func (s Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var kinds []string
	if s.Enqueue != nil {
		kinds = append(kinds, StepEnqueue)
	}
	if s.Process != nil {
		kinds = append(kinds, StepProcess)
	}
	if s.Recover != nil {
		kinds = append(kinds, StepRecover)
	}
	if s.Cleanup != nil {
		kinds = append(kinds, StepCleanup)
	}
	if s.Cancel != nil {
		kinds = append(kinds, StepCancel)
	}
	if s.FailNext != nil {
		kinds = append(kinds, StepFailNext)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	return kinds
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

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// StartTime returns the fake clock's initial time.
func (s *Scenario) StartTime() (time.Time, error) {
	if s.Start == "" {
		return DefaultStart, nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start: %w", err)
	}
	return t.UTC(), nil
}

// tenant returns the first non-empty of the given tenants, the scenario
// tenant and DefaultTenant.
func (s *Scenario) tenant(explicit string) string {
	switch {
	case explicit != "":
		return explicit
	case s.Tenant != "":
		return s.Tenant
	default:
		return DefaultTenant
	}
}

// ParseAdvance parses an advance step's duration.
func ParseAdvance(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
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
	if _, err := s.StartTime(); err != nil {
		return err
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	kinds := step.kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no action given", index)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: exactly one action allowed, got %s", index, strings.Join(kinds, ", "))
	}

	switch kinds[0] {
	case StepEnqueue:
		e := step.Enqueue
		if e.Key == "" || e.Type == "" || e.Op == "" || e.EntityType == "" {
			return fmt.Errorf("steps[%d].enqueue: key, type, op and entity_type are required", index)
		}
		if e.Payload == nil {
			return fmt.Errorf("steps[%d].enqueue: payload is required", index)
		}
	case StepCleanup:
		if step.Cleanup.OlderThanDays <= 0 {
			return fmt.Errorf("steps[%d].cleanup: older_than_days must be positive", index)
		}
	case StepCancel:
		if step.Cancel.OperationID == "" {
			return fmt.Errorf("steps[%d].cancel: operation_id is required", index)
		}
	case StepFailNext:
		f := step.FailNext
		if f.EntityID == "" {
			return fmt.Errorf("steps[%d].fail_next: entity_id is required", index)
		}
		if f.Times <= 0 {
			return fmt.Errorf("steps[%d].fail_next: times must be positive", index)
		}
		if f.Kind != "transient" && f.Kind != "permanent" {
			return fmt.Errorf("steps[%d].fail_next: kind must be transient or permanent, got %q", index, f.Kind)
		}
	case StepAdvance:
		d, err := ParseAdvance(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d].advance: must move the clock forward", index)
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
	case AssertOperation:
		if a.OperationID == "" {
			return fmt.Errorf("assertions[%d]: operation_id is required for operation", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for operation", index)
		}
	case AssertOperationAbsent:
		if a.OperationID == "" {
			return fmt.Errorf("assertions[%d]: operation_id is required for operation_absent", index)
		}
	case AssertQueue:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for queue", index)
		}
	case AssertEntity:
		if a.EntityType == "" || a.EntityID == "" {
			return fmt.Errorf("assertions[%d]: entity_type and entity_id are required for entity", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for entity", index)
		}
	case AssertIdempotency:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for idempotency", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for idempotency", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
