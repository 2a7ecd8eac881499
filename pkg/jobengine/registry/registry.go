/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package registry defines the Type Registry contract (spec.md §6) and
// ships a single in-memory reference implementation used by tests and
// examples. A production deployment is expected to bring its own
// registry; the core only depends on the Registry interface.
package registry

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/jordigilh/jobengine/pkg/jobengine"
)

// ValidationCode distinguishes the reasons a Registry may reject a call.
type ValidationCode string

const (
	CodeNotEntryPoint       ValidationCode = "not_entry_point"
	CodeInvalidInput        ValidationCode = "invalid_input"
	CodeInvalidOutput       ValidationCode = "invalid_output"
	CodeInvalidContinuation ValidationCode = "invalid_continuation"
	CodeInvalidBlockers     ValidationCode = "invalid_blockers"
)

// ValidationError is the wrapped error every Registry method returns on rejection.
type ValidationError struct {
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("job type validation (%s): %s", e.Code, e.Message)
}

// ContinuationRequest names a candidate continuation edge to validate.
type ContinuationRequest struct {
	TypeName string
	Input    interface{}
}

// Registry is the client-boundary contract spec.md §6 describes. The
// core orchestration engine (state adapter, runner, client API) calls
// these methods before any row is written; it never inspects input or
// output payloads itself.
type Registry interface {
	ValidateEntry(typeName string) error
	ParseInput(typeName string, value interface{}) (interface{}, error)
	ParseOutput(typeName string, value interface{}) (interface{}, error)
	ValidateContinueWith(fromTypeName string, req ContinuationRequest) error
	ValidateBlockers(typeName string, blockers []ContinuationRequest) error

	// Types exposes the registered type graph for reachability checks
	// performed at registration time (construction), not at runtime.
	Types() map[string]jobengine.JobType
}

// InMemory is a reference Registry used by tests and the example
// commands. It validates structural (entry/continuation/blocker) rules
// against the registered JobType graph, and delegates payload
// validation to go-playground/validator struct tags on the types
// registered per job type.
type InMemory struct {
	types   map[string]jobengine.JobType
	inputs  map[string]interface{} // zero-value prototypes for ParseInput
	outputs map[string]interface{}
	v       *validator.Validate
}

// NewInMemory builds an empty registry. Register job types with Register.
func NewInMemory() *InMemory {
	return &InMemory{
		types:   make(map[string]jobengine.JobType),
		inputs:  make(map[string]interface{}),
		outputs: make(map[string]interface{}),
		v:       validator.New(),
	}
}

// Register adds a job type along with zero-value prototypes of its
// input/output structs, used by ParseInput/ParseOutput to decode and
// validate payloads via struct tags (e.g. `validate:"required"`).
func (r *InMemory) Register(jt jobengine.JobType, inputPrototype, outputPrototype interface{}) {
	r.types[jt.TypeName] = jt
	if inputPrototype != nil {
		r.inputs[jt.TypeName] = inputPrototype
	}
	if outputPrototype != nil {
		r.outputs[jt.TypeName] = outputPrototype
	}
}

// Validate checks graph-level invariants across the whole registered
// set: every continuation and blocker target must resolve to a defined
// type, and non-entry types must never appear as a chain head or
// blocker target (spec.md §3).
func (r *InMemory) Validate() error {
	for name, jt := range r.types {
		for _, target := range jt.ContinueWith {
			if _, ok := r.types[target]; !ok {
				return fmt.Errorf("type %s: continueWith target %s is not defined", name, target)
			}
		}
		for _, target := range jt.Blockers {
			bt, ok := r.types[target]
			if !ok {
				return fmt.Errorf("type %s: blocker target %s is not defined", name, target)
			}
			if !bt.Entry {
				return fmt.Errorf("type %s: blocker target %s is not an entry type", name, target)
			}
		}
	}
	return nil
}

func (r *InMemory) Types() map[string]jobengine.JobType {
	out := make(map[string]jobengine.JobType, len(r.types))
	for k, v := range r.types {
		out[k] = v
	}
	return out
}

func (r *InMemory) ValidateEntry(typeName string) error {
	jt, ok := r.types[typeName]
	if !ok || !jt.Entry {
		return &ValidationError{Code: CodeNotEntryPoint, Message: fmt.Sprintf("%s is not a registered entry type", typeName)}
	}
	return nil
}

func (r *InMemory) ParseInput(typeName string, value interface{}) (interface{}, error) {
	return r.parse(typeName, r.inputs, value, CodeInvalidInput)
}

func (r *InMemory) ParseOutput(typeName string, value interface{}) (interface{}, error) {
	return r.parse(typeName, r.outputs, value, CodeInvalidOutput)
}

func (r *InMemory) parse(typeName string, protos map[string]interface{}, value interface{}, code ValidationCode) (interface{}, error) {
	proto, ok := protos[typeName]
	if !ok || value == nil {
		// No schema registered for this type, or a null payload (e.g. an
		// entry type with no input): pass through unchecked.
		return value, nil
	}
	if reflect.TypeOf(value) != reflect.TypeOf(proto) {
		return nil, &ValidationError{Code: code, Message: fmt.Sprintf("expected %T, got %T", proto, value)}
	}
	if err := r.v.Struct(value); err != nil {
		return nil, &ValidationError{Code: code, Message: err.Error()}
	}
	return value, nil
}

func (r *InMemory) ValidateContinueWith(fromTypeName string, req ContinuationRequest) error {
	from, ok := r.types[fromTypeName]
	if !ok {
		return &ValidationError{Code: CodeInvalidContinuation, Message: fmt.Sprintf("unknown type %s", fromTypeName)}
	}
	for _, allowed := range from.ContinueWith {
		if allowed == req.TypeName {
			return nil
		}
	}
	return &ValidationError{Code: CodeInvalidContinuation, Message: fmt.Sprintf("%s may not continue into %s", fromTypeName, req.TypeName)}
}

func (r *InMemory) ValidateBlockers(typeName string, blockers []ContinuationRequest) error {
	jt, ok := r.types[typeName]
	if !ok {
		return &ValidationError{Code: CodeInvalidBlockers, Message: fmt.Sprintf("unknown type %s", typeName)}
	}
	allowed := make(map[string]bool, len(jt.Blockers))
	for _, b := range jt.Blockers {
		allowed[b] = true
	}
	for _, b := range blockers {
		if !allowed[b.TypeName] {
			return &ValidationError{Code: CodeInvalidBlockers, Message: fmt.Sprintf("%s may not be blocked by %s", typeName, b.TypeName)}
		}
	}
	return nil
}
