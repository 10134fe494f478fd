// Package scenario loads YAML recording fixtures and records them through
// the recording service, so that replay can be exercised against known
// conversations without live webhook traffic.
package scenario

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tracereplay/internal/steps"
)

// Scenario is one recorded conversation.
type Scenario struct {
	// Name becomes the recording name; it must be unique in the store.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	ConversationID string `yaml:"conversation_id"`

	// Events are recorded in order and receive sequences 1..n.
	Events []Event `yaml:"events"`

	// Assertions are checked against the recorded traces after import.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Event is one webhook occurrence. An event without steps is driven through
// the reference pipeline; an event with steps records them verbatim.
type Event struct {
	Payload map[string]any `yaml:"payload"`
	State   map[string]any `yaml:"state,omitempty"`
	Steps   []Step         `yaml:"steps,omitempty"`
}

// Step is a recorded step with its exact input and output.
type Step struct {
	Name      string `yaml:"name"`
	Input     any    `yaml:"input"`
	Output    any    `yaml:"output"`
	ElapsedMs int64  `yaml:"elapsed_ms,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

// Load reads and validates a scenario file. Unknown fields are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}

	for i, ev := range s.Events {
		if ev.Payload == nil {
			return fmt.Errorf("events[%d]: payload is required (use empty map if none)", i)
		}
		for j, st := range ev.Steps {
			if st.Name == "" {
				return fmt.Errorf("events[%d].steps[%d]: name is required", i, j)
			}
			if _, err := steps.ParseKind(st.Name); err != nil {
				return fmt.Errorf("events[%d].steps[%d]: %w", i, j, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}
