// Package workflow interprets Amazon States Language state machines.
//
// Supported states are Pass, Task, Choice, Wait, Succeed, Fail, Parallel
// and Map, with InputPath, Parameters, ResultSelector, ResultPath and
// OutputPath processing, Retry and Catch on Task, Parallel and Map, and
// the States.Format, States.StringToJson, States.JsonToString and
// States.Array intrinsic functions. Task states call out through a
// TaskFunc supplied by the caller.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDefinition is wrapped by every definition parse failure.
var ErrInvalidDefinition = errors.New("invalid state machine definition")

// State types.
const (
	TypePass     = "Pass"
	TypeTask     = "Task"
	TypeChoice   = "Choice"
	TypeWait     = "Wait"
	TypeSucceed  = "Succeed"
	TypeFail     = "Fail"
	TypeParallel = "Parallel"
	TypeMap      = "Map"
)

// Definition is a state machine or a Parallel/Map sub-machine.
type Definition struct {
	Comment string            `json:"Comment,omitempty"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`

	// TimeoutSeconds bounds a whole execution.
	TimeoutSeconds int `json:"TimeoutSeconds,omitempty"`
}

// State is one state of a definition. Fields irrelevant to Type are
// ignored.
type State struct {
	Type    string `json:"Type"`
	Comment string `json:"Comment,omitempty"`
	Next    string `json:"Next,omitempty"`
	End     bool   `json:"End,omitempty"`

	InputPath      Path            `json:"InputPath"`
	OutputPath     Path            `json:"OutputPath"`
	ResultPath     Path            `json:"ResultPath"`
	Parameters     json.RawMessage `json:"Parameters,omitempty"`
	ResultSelector json.RawMessage `json:"ResultSelector,omitempty"`

	// Pass
	Result json.RawMessage `json:"Result,omitempty"`

	// Task
	Resource       string `json:"Resource,omitempty"`
	TimeoutSeconds int    `json:"TimeoutSeconds,omitempty"`

	// Task, Parallel, Map
	Retry []Retrier `json:"Retry,omitempty"`
	Catch []Catcher `json:"Catch,omitempty"`

	// Choice
	Choices []ChoiceRule `json:"Choices,omitempty"`
	Default string       `json:"Default,omitempty"`

	// Wait
	Seconds       *float64 `json:"Seconds,omitempty"`
	SecondsPath   string   `json:"SecondsPath,omitempty"`
	Timestamp     string   `json:"Timestamp,omitempty"`
	TimestampPath string   `json:"TimestampPath,omitempty"`

	// Fail
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`

	// Parallel
	Branches []*Definition `json:"Branches,omitempty"`

	// Map
	ItemsPath      string          `json:"ItemsPath,omitempty"`
	ItemSelector   json.RawMessage `json:"ItemSelector,omitempty"`
	Iterator       *Definition     `json:"Iterator,omitempty"`
	ItemProcessor  *Definition     `json:"ItemProcessor,omitempty"`
	MaxConcurrency int             `json:"MaxConcurrency,omitempty"`
}

// Path is an optional reference path. An explicit JSON null is kept
// apart from an absent field: it discards the data the path applies to.
type Path struct {
	Set  bool
	Expr string
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Path) UnmarshalJSON(b []byte) error {
	p.Set = true
	if string(b) == "null" {
		p.Expr = ""
		return nil
	}
	return json.Unmarshal(b, &p.Expr)
}

// Retrier is a Retry entry.
type Retrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds *float64 `json:"IntervalSeconds,omitempty"`
	MaxAttempts     *int     `json:"MaxAttempts,omitempty"`
	BackoffRate     *float64 `json:"BackoffRate,omitempty"`
}

// Catcher is a Catch entry.
type Catcher struct {
	ErrorEquals []string `json:"ErrorEquals"`
	Next        string   `json:"Next"`
	ResultPath  Path     `json:"ResultPath"`
}

// ChoiceRule is one Choices entry or a nested boolean operand.
type ChoiceRule struct {
	Variable string       `json:"Variable,omitempty"`
	Next     string       `json:"Next,omitempty"`
	And      []ChoiceRule `json:"And,omitempty"`
	Or       []ChoiceRule `json:"Or,omitempty"`
	Not      *ChoiceRule  `json:"Not,omitempty"`

	StringEquals             *string  `json:"StringEquals,omitempty"`
	StringEqualsPath         string   `json:"StringEqualsPath,omitempty"`
	StringLessThan           *string  `json:"StringLessThan,omitempty"`
	StringGreaterThan        *string  `json:"StringGreaterThan,omitempty"`
	StringMatches            *string  `json:"StringMatches,omitempty"`
	NumericEquals            *float64 `json:"NumericEquals,omitempty"`
	NumericEqualsPath        string   `json:"NumericEqualsPath,omitempty"`
	NumericLessThan          *float64 `json:"NumericLessThan,omitempty"`
	NumericLessThanEquals    *float64 `json:"NumericLessThanEquals,omitempty"`
	NumericGreaterThan       *float64 `json:"NumericGreaterThan,omitempty"`
	NumericGreaterThanEquals *float64 `json:"NumericGreaterThanEquals,omitempty"`
	BooleanEquals            *bool    `json:"BooleanEquals,omitempty"`
	TimestampEquals          *string  `json:"TimestampEquals,omitempty"`
	TimestampLessThan        *string  `json:"TimestampLessThan,omitempty"`
	TimestampGreaterThan     *string  `json:"TimestampGreaterThan,omitempty"`
	IsPresent                *bool    `json:"IsPresent,omitempty"`
	IsNull                   *bool    `json:"IsNull,omitempty"`
	IsString                 *bool    `json:"IsString,omitempty"`
	IsNumeric                *bool    `json:"IsNumeric,omitempty"`
	IsBoolean                *bool    `json:"IsBoolean,omitempty"`
}

// Parse decodes and validates an ASL definition.
func Parse(src []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(src, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.validate(""); err != nil {
		return nil, err
	}
	return &def, nil
}

func invalid(scope, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if scope != "" {
		msg = scope + ": " + msg
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, msg)
}

func (d *Definition) validate(scope string) error {
	if d.StartAt == "" {
		return invalid(scope, "StartAt is required")
	}
	if len(d.States) == 0 {
		return invalid(scope, "States is empty")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return invalid(scope, "StartAt %q is not a state", d.StartAt)
	}
	target := func(name, field, next string) error {
		if _, ok := d.States[next]; !ok {
			return invalid(scope, "state %q: %s %q is not a state", name, field, next)
		}
		return nil
	}

	for name, s := range d.States {
		if s == nil {
			return invalid(scope, "state %q is empty", name)
		}
		switch s.Type {
		case TypePass, TypeTask, TypeWait, TypeParallel, TypeMap:
			if s.End == (s.Next != "") {
				return invalid(scope, "state %q must have exactly one of Next or End", name)
			}
			if s.Next != "" {
				if err := target(name, "Next", s.Next); err != nil {
					return err
				}
			}
		case TypeChoice:
			if len(s.Choices) == 0 {
				return invalid(scope, "state %q: Choices is empty", name)
			}
			for i, c := range s.Choices {
				if c.Next == "" {
					return invalid(scope, "state %q: Choices[%d] has no Next", name, i)
				}
				if err := target(name, "Next", c.Next); err != nil {
					return err
				}
			}
			if s.Default != "" {
				if err := target(name, "Default", s.Default); err != nil {
					return err
				}
			}
		case TypeSucceed, TypeFail:
		default:
			return invalid(scope, "state %q: unknown Type %q", name, s.Type)
		}

		for _, c := range s.Catch {
			if err := target(name, "Catch Next", c.Next); err != nil {
				return err
			}
		}
		switch s.Type {
		case TypeTask:
			if s.Resource == "" {
				return invalid(scope, "state %q: Resource is required", name)
			}
		case TypeWait:
			n := 0
			for _, set := range []bool{s.Seconds != nil, s.SecondsPath != "", s.Timestamp != "", s.TimestampPath != ""} {
				if set {
					n++
				}
			}
			if n != 1 {
				return invalid(scope, "state %q: exactly one of Seconds, SecondsPath, Timestamp or TimestampPath is required", name)
			}
		case TypeParallel:
			if len(s.Branches) == 0 {
				return invalid(scope, "state %q: Branches is empty", name)
			}
			for i, b := range s.Branches {
				if b == nil {
					return invalid(scope, "state %q: Branches[%d] is empty", name, i)
				}
				if err := b.validate(fmt.Sprintf("%s.Branches[%d]", name, i)); err != nil {
					return err
				}
			}
		case TypeMap:
			p := s.processor()
			if p == nil {
				return invalid(scope, "state %q: ItemProcessor is required", name)
			}
			if err := p.validate(name + ".ItemProcessor"); err != nil {
				return err
			}
		}
	}
	return nil
}

// processor returns the Map sub-machine under either of its names.
func (s *State) processor() *Definition {
	if s.ItemProcessor != nil {
		return s.ItemProcessor
	}
	return s.Iterator
}
