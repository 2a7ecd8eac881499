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

package jobengine

import (
	"errors"
	"fmt"
)

// Kind classifies a state-adapter failure so callers can dispatch on
// it without string matching. See spec.md §7 for the taxonomy this
// mirrors.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindAlreadyCompleted   Kind = "already_completed"
	KindTakenByAnotherWorker Kind = "taken_by_another_worker"
	KindTransient          Kind = "transient"
	KindUnknown            Kind = "unknown"
)

// Error is the typed error every state-adapter operation returns for
// ownership/consistency failures (spec.md §4.1, §7).
type Error struct {
	Kind      Kind
	Operation string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Operation, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewNotFound reports that the referenced job or chain no longer exists.
func NewNotFound(operation string) error {
	return &Error{Kind: KindNotFound, Operation: operation}
}

// NewAlreadyCompleted reports that the job was already completed,
// externally or by another attempt.
func NewAlreadyCompleted(operation string) error {
	return &Error{Kind: KindAlreadyCompleted, Operation: operation}
}

// NewTakenByAnotherWorker reports that the calling worker no longer holds the lease.
func NewTakenByAnotherWorker(operation string) error {
	return &Error{Kind: KindTakenByAnotherWorker, Operation: operation}
}

// NewTransient wraps a recoverable store error (deadlock, connection drop, etc.).
func NewTransient(operation string, cause error) error {
	return &Error{Kind: KindTransient, Operation: operation, Cause: cause}
}

// Is reports whether err is a jobengine.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, KindUnknown if err is a non-nil error
// that is not a jobengine.Error, or the empty Kind if err is nil.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindUnknown
}

// RescheduleError is the sentinel a handler returns from its complete
// callback to request a specific reschedule instead of letting the
// retry policy compute one (spec.md §4.2).
type RescheduleError struct {
	Schedule Schedule
	Cause    error
}

func (e *RescheduleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reschedule requested: %s", e.Cause)
	}
	return "reschedule requested"
}

func (e *RescheduleError) Unwrap() error {
	return e.Cause
}

// Reschedule builds a RescheduleError carrying an explicit schedule.
func Reschedule(schedule Schedule, cause error) error {
	return &RescheduleError{Schedule: schedule, Cause: cause}
}

// AsReschedule reports whether err is a deliberate reschedule request.
func AsReschedule(err error) (*RescheduleError, bool) {
	var r *RescheduleError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// ErrWaitTimeout is returned by Client.WaitForJobChainCompletion when
// the deadline elapses before the chain completes.
var ErrWaitTimeout = errors.New("wait for job chain completion: timed out")

// DeleteError distinguishes the two rejection reasons for
// deleteJobChains (spec.md §4.8) so callers can show the right message.
type DeleteError struct {
	ChainID string
	Reason  string
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("cannot delete chain %s: %s", e.ChainID, e.Reason)
}

// NewMustDeleteFromRoot reports that the given id is not a chain root.
func NewMustDeleteFromRoot(chainID string) error {
	return &DeleteError{ChainID: chainID, Reason: "must delete from the root chain"}
}

// NewExternalBlockerDependents reports that chains outside the delete
// closure still depend on it via a blocker edge.
func NewExternalBlockerDependents(chainID string) error {
	return &DeleteError{ChainID: chainID, Reason: "external job chains depend on them"}
}
