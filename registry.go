package chainq

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// JobTypeKind distinguishes types that may start chains from types
// reachable only through continuations or as blockers.
type JobTypeKind string

const (
	KindEntry    JobTypeKind = "entry"
	KindInternal JobTypeKind = "internal"
)

// JobType declares one processable job type: its kind, optional runtime
// payload validators and the edges it may create. A type may only
// continue with or start blocker chains of the types it declares.
type JobType struct {
	Name string
	Kind JobTypeKind

	// ValidateInput and ValidateOutput run against payloads at the
	// boundary. Nil skips validation.
	ValidateInput  func(json.RawMessage) error
	ValidateOutput func(json.RawMessage) error

	// Continuations lists type names this type may ContinueWith.
	Continuations []string
	// Blockers lists type names this type may start blocker chains of.
	Blockers []string
}

// Registry holds the set of job types known to a client and its
// workers. Validation is by name at runtime; the registry carries no
// compile-time knowledge of handler payload types.
type Registry struct {
	types map[string]JobType
}

// NewRegistry builds a registry, rejecting duplicates and dangling edge
// references.
func NewRegistry(types ...JobType) (*Registry, error) {
	r := &Registry{types: make(map[string]JobType, len(types))}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("job type with empty name")
		}
		if t.Kind != KindEntry && t.Kind != KindInternal {
			return nil, fmt.Errorf("job type %q: unknown kind %q", t.Name, t.Kind)
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("job type %q registered twice", t.Name)
		}
		r.types[t.Name] = t
	}
	for _, t := range r.types {
		for _, edge := range t.Continuations {
			if _, ok := r.types[edge]; !ok {
				return nil, fmt.Errorf("job type %q: continuation %q is not registered", t.Name, edge)
			}
		}
		for _, edge := range t.Blockers {
			if _, ok := r.types[edge]; !ok {
				return nil, fmt.Errorf("job type %q: blocker %q is not registered", t.Name, edge)
			}
		}
	}
	return r, nil
}

// TypeNames returns every registered name, sorted.
func (r *Registry) TypeNames() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the declaration for a name.
func (r *Registry) Lookup(name string) (JobType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// validateEntry checks that name may start a chain with the given input.
func (r *Registry) validateEntry(name string, input json.RawMessage) error {
	t, ok := r.types[name]
	if !ok {
		return &TypeValidationError{Code: CodeUnknownType, TypeName: name}
	}
	if t.Kind != KindEntry {
		return &TypeValidationError{Code: CodeNotEntry, TypeName: name}
	}
	return r.validateInput(t, input)
}

func (r *Registry) validateInput(t JobType, input json.RawMessage) error {
	if t.ValidateInput == nil {
		return nil
	}
	if err := t.ValidateInput(input); err != nil {
		return &TypeValidationError{Code: CodeInputInvalid, TypeName: t.Name, Err: err}
	}
	return nil
}

func (r *Registry) validateOutput(t JobType, output json.RawMessage) error {
	if t.ValidateOutput == nil {
		return nil
	}
	if err := t.ValidateOutput(output); err != nil {
		return &TypeValidationError{Code: CodeOutputInvalid, TypeName: t.Name, Err: err}
	}
	return nil
}

// validateContinuation checks the from->to continuation edge and the
// continuation input.
func (r *Registry) validateContinuation(from, to string, input json.RawMessage) error {
	target, ok := r.types[to]
	if !ok {
		return &TypeValidationError{Code: CodeUnknownType, TypeName: to}
	}
	src, ok := r.types[from]
	if !ok {
		return &TypeValidationError{Code: CodeUnknownType, TypeName: from}
	}
	if !slices.Contains(src.Continuations, to) {
		return &TypeValidationError{
			Code:     CodeContinuationInvalid,
			TypeName: to,
			Err:      fmt.Errorf("type %q does not declare %q as a continuation", from, to),
		}
	}
	return r.validateInput(target, input)
}

// validateBlocker checks the from->to blocker edge and the blocker
// input.
func (r *Registry) validateBlocker(from, to string, input json.RawMessage) error {
	target, ok := r.types[to]
	if !ok {
		return &TypeValidationError{Code: CodeUnknownType, TypeName: to}
	}
	src, ok := r.types[from]
	if !ok {
		return &TypeValidationError{Code: CodeUnknownType, TypeName: from}
	}
	if !slices.Contains(src.Blockers, to) {
		return &TypeValidationError{
			Code:     CodeBlockerInvalid,
			TypeName: to,
			Err:      fmt.Errorf("type %q does not declare %q as a blocker", from, to),
		}
	}
	return r.validateInput(target, input)
}
