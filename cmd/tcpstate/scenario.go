package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	errs "github.com/wippyai/wasi-sockets/errors"
)

// Scenario is a scripted sequence of socket operations with expected outcomes.
type Scenario struct {
	Name   string   `yaml:"name" json:"name"`
	Family string   `yaml:"family,omitempty" json:"family,omitempty"`
	Allow  []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Steps  []Step   `yaml:"steps" json:"steps"`
}

// Step is one operation on a named socket. Expect is an error code name
// such as "invalid-state"; it defaults to "ok". Wait turns start-bind,
// start-connect, start-listen and accept into their blocking forms.
type Step struct {
	Op          string `yaml:"op" json:"op"`
	Socket      string `yaml:"socket,omitempty" json:"socket,omitempty"`
	Family      string `yaml:"family,omitempty" json:"family,omitempty"`
	Address     string `yaml:"address,omitempty" json:"address,omitempty"`
	Peer        string `yaml:"peer,omitempty" json:"peer,omitempty"`
	As          string `yaml:"as,omitempty" json:"as,omitempty"`
	Option      string `yaml:"option,omitempty" json:"option,omitempty"`
	Value       uint64 `yaml:"value,omitempty" json:"value,omitempty"`
	How         string `yaml:"how,omitempty" json:"how,omitempty"`
	Data        string `yaml:"data,omitempty" json:"data,omitempty"`
	Wait        bool   `yaml:"wait,omitempty" json:"wait,omitempty"`
	Expect      string `yaml:"expect,omitempty" json:"expect,omitempty"`
	ExpectState string `yaml:"expect-state,omitempty" json:"expect-state,omitempty"`
}

// StepResult is the observed outcome of a step.
type StepResult struct {
	Step   int    `yaml:"step" json:"step"`
	Op     string `yaml:"op" json:"op"`
	Socket string `yaml:"socket" json:"socket"`
	Result string `yaml:"result" json:"result"`
	Expect string `yaml:"expect" json:"expect"`
	State  string `yaml:"state" json:"state"`
	Pass   bool   `yaml:"pass" json:"pass"`
}

// ParseScenario decodes a YAML scenario. Unknown fields are rejected so that
// typos in step keys fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	for i, st := range sc.Steps {
		if st.Op == "" {
			return nil, fmt.Errorf("step %d: missing op", i+1)
		}
		if _, ok := stepOps[st.Op]; !ok {
			return nil, fmt.Errorf("step %d: unknown op %q", i+1, st.Op)
		}
		if !validExpect(st.Expect) {
			return nil, fmt.Errorf("step %d: unknown expected result %q (want ok, mismatch or one of %s)", i+1, st.Expect, codeList())
		}
	}
	return &sc, nil
}

// validExpect accepts "ok", "mismatch" and error code names.
func validExpect(name string) bool {
	switch name {
	case "", "ok", "mismatch":
		return true
	}
	_, ok := errs.ParseCode(name)
	return ok
}

func codeList() string {
	codes := errs.Codes()
	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = c.String()
	}
	return strings.Join(names, ", ")
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// Failed counts the results that did not match their expectation.
func Failed(results []StepResult) int {
	n := 0
	for _, r := range results {
		if !r.Pass {
			n++
		}
	}
	return n
}
