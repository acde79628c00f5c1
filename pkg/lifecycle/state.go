// Package lifecycle enforces the resource state machine shared by every
// emulated service.
//
//	Creating -> Active      create committed
//	Creating -> Deleted     failed create rolled back
//	Active   -> Updating    exclusive update started
//	Updating -> Active      exclusive update finished
//	Active   -> Deleting    delete started
//	Deleting -> Deleted     delete committed
//
// Creating, Updating and Deleting are transitional. An operation that
// conflicts with a resource in a transitional state is rejected with
// ErrResourceBusy instead of waiting.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Sentinel errors. ErrResourceBusy is the storage engine's busy sentinel so
// lock timeouts and transitional-state conflicts match the same target.
var (
	ErrInvalidTransition = errors.New("lifecycle: invalid state transition")
	ErrResourceBusy      = storage.ErrBusy
)

var transitions = map[resource.State][]resource.State{
	resource.StateCreating: {resource.StateActive, resource.StateDeleted},
	resource.StateActive:   {resource.StateUpdating, resource.StateDeleting},
	resource.StateUpdating: {resource.StateActive},
	resource.StateDeleting: {resource.StateDeleted},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to resource.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	Key  resource.Key
	From resource.State
	To   resource.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: %s: cannot transition from %s to %s", e.Key, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// BusyError reports an operation rejected because the resource is in a
// transitional state.
type BusyError struct {
	Key   resource.Key
	State resource.State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lifecycle: %s is %s", e.Key, e.State)
}

// Is matches ErrResourceBusy.
func (e *BusyError) Is(target error) bool { return target == ErrResourceBusy }

// Validate returns a *TransitionError unless from -> to is allowed.
func Validate(key resource.Key, from, to resource.State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{Key: key, From: from, To: to}
}

// requireActive rejects operations on resources that are not Active, with
// ErrResourceBusy for transitional states.
func requireActive(r *resource.Resource, to resource.State) error {
	switch {
	case r.State == resource.StateActive:
		return nil
	case r.State.Transitional():
		return &BusyError{Key: r.Key, State: r.State}
	default:
		return &TransitionError{Key: r.Key, From: r.State, To: to}
	}
}
