package residency

import (
	"math"
	"time"
)

// NoTimeout can be passed as the timeout of Reservation.Wait to wait without
// bound for outstanding work to complete
const NoTimeout time.Duration = math.MaxInt64

// Kind selects which consumer a notifier context serves. Graphics contexts
// block new command submission for the duration of an invalidation window;
// compute contexts additionally evict the owning process's queues and buffers.
type Kind uint32

const (
	KindGraphics Kind = iota
	KindCompute
)

var kindNames = map[Kind]string{
	KindGraphics: "KindGraphics",
	KindCompute:  "KindCompute",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Reservation is the synchronization object attached to a buffer object by
// the device-management code. This module only ever waits on it; signaling
// is the collaborator's business.
type Reservation interface {
	// Wait blocks until the buffer's outstanding completion fences signal.
	// When waitAll is true both shared and exclusive fences are waited for,
	// otherwise only the exclusive fence. Interruptible waits may return
	// early with an error when the calling thread is signalled. Wait returns
	// the remaining time budget, or an error wrapping
	// memutils.FenceWaitError on timeout or interruption.
	Wait(waitAll bool, interruptible bool, timeout time.Duration) (time.Duration, error)
}

// Buffer is a GPU-visible memory allocation owned by device-management code
// outside this module. The residency core tracks where it is pinned in host
// memory and reacts when those pages change underneath it.
type Buffer interface {
	// Size returns the buffer's length in bytes
	Size() uint64
	// Reservation returns the buffer's synchronization object
	Reservation() Reservation
	// AffectsRange reports whether the buffer's currently mapped host pages
	// intersect the inclusive range [start, last]. The mapped extent may be a
	// subset of the range the buffer was registered with.
	AffectsRange(start, last uint64) bool
	// MarkPagesStale flags the buffer's backing pages as needing re-fetch on
	// the next GPU access
	MarkPagesStale()
	// ComputeManaged reports whether the buffer belongs to the compute stack.
	// Compute-managed buffers are tracked by a KindCompute context and are
	// evicted, not merely marked stale, when their pages change.
	ComputeManaged() bool

	// Notifier and SetNotifier store the buffer's back-reference to the
	// context tracking it. Implementations must return exactly the value last
	// set. A non-nil back-reference is the single source of truth for "this
	// buffer is under notifier tracking"; it is only ever mutated while the
	// owning context holds its exclusive lock.
	Notifier() *Context
	SetNotifier(ctx *Context)
}

// RangeObserver receives host address-space change callbacks. Range events
// arrive as a paired window: OnRangeChangeStart before the host mutates the
// pages, OnRangeChangeEnd after. Delivery may occur on arbitrary threads and
// may recurse into the same observer before the outer window closes.
type RangeObserver interface {
	// OnRangeChangeStart opens an invalidation window for [start, end), with
	// end exclusive as the host delivers it
	OnRangeChangeStart(start, end uint64)
	// OnRangeChangeEnd closes the window opened by the matching
	// OnRangeChangeStart
	OnRangeChangeEnd(start, end uint64)
	// OnRelease reports that the address space itself is being torn down. The
	// observer must not block; teardown work is deferred.
	OnRelease()
}

// AddressSpace identifies one host process address space and grants
// registration for change notification. Implementations wrap whatever the
// host exposes; two AddressSpace values with equal IDs refer to the same
// space.
type AddressSpace interface {
	// ID returns a stable identity for the address space
	ID() uint64
	// RegisterObserver subscribes an observer to this space's change events
	RegisterObserver(observer RangeObserver) error
	// UnregisterObserver removes a subscription. Safe to call from deferred
	// teardown; may block.
	UnregisterObserver(observer RangeObserver)
}

// Fence is a completion signal for GPU or host work. Used through Wait only.
type Fence interface {
	// Wait blocks until the fence signals or the timeout elapses, returning
	// the remaining time budget or an error wrapping memutils.FenceWaitError
	Wait(timeout time.Duration) (time.Duration, error)
}

// DeviceID identifies one device within a process's device table
type DeviceID uint32

// Device is the per-device collaborator the eviction coordinator drives. All
// methods are invoked from the coordinator's background worker, never from
// notifier delivery, so they may block.
type Device interface {
	// ID returns the device's identity within the process device table
	ID() DeviceID
	// EvictQueues stops the process's queues on this device so no further
	// compute work can touch evicted buffers
	EvictQueues(process *Process) error
	// RestoreQueues resumes the process's queues after residency has been
	// re-acquired
	RestoreQueues(process *Process) error
	// ReleaseResidency drops device-visible residency for the process's
	// buffers on this device
	ReleaseResidency(process *Process) error
	// RestoreResidency re-acquires device-visible residency. An error
	// wrapping memutils.AllocationError indicates resource exhaustion and
	// triggers a backoff retry.
	RestoreResidency(process *Process) error
}

// ExternalRef is an opaque reference tag (an exported or imported sharing
// object) attached to a handle-table record. It is released exactly once,
// when the handle is removed.
type ExternalRef interface {
	Release()
}
