package memutils

import "github.com/pkg/errors"

// AllocationError is the error returned when node, record, or identifier
// creation fails because memory or identifier space is exhausted. Callers may
// retry the operation or fail it; no partial state is left behind.
var AllocationError error = errors.New("out of memory or identifier space")

// RegistrationError is the error returned when the host's address-space
// notification subsystem refuses a registration. Creation of the object that
// required the registration is aborted.
var RegistrationError error = errors.New("address-space change registration refused")

// FenceWaitError is the error returned when a wait on a completion fence
// times out or is interrupted. During invalidation delivery it is logged and
// the walk continues; during eviction and restore it triggers a backoff retry.
var FenceWaitError error = errors.New("fence wait failed")

// InvalidHandleError is the error returned when a handle is stale or was never
// issued. It means "object already released" and must never abort the caller.
var InvalidHandleError error = errors.New("handle does not refer to a live buffer object")

// OverlapAmbiguityError is the error returned when an address-range lookup
// matches zero buffer objects or spans more than one
var OverlapAmbiguityError error = errors.New("range does not correspond to exactly one buffer object")
