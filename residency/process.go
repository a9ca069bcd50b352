package residency

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/residency/internal/utils"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slog"
)

// ProcessID identifies one host process within a ProcessRegistry
type ProcessID uint32

const (
	// DefaultRestoreDelay is the approximate wait before attempting to
	// restore evicted buffers
	DefaultRestoreDelay = 100 * time.Millisecond
	// DefaultBackOffDelay is the approximate initial back off when a restore
	// fails for lack of memory or a quiesce wait times out
	DefaultBackOffDelay = 100 * time.Millisecond
	// DefaultActiveDelay is the approximate minimum time a process stays
	// active after a restore before it may be evicted again
	DefaultActiveDelay = 10 * time.Millisecond
	// DefaultQuiesceTimeout bounds the wait for in-flight compute work to
	// finish before an eviction proceeds
	DefaultQuiesceTimeout = 100 * time.Millisecond
)

// ProcessRegistryCreateOptions contains optional settings for
// NewProcessRegistry. Zero durations select the package defaults.
type ProcessRegistryCreateOptions struct {
	RestoreDelay   time.Duration
	BackOffDelay   time.Duration
	ActiveDelay    time.Duration
	QuiesceTimeout time.Duration
}

// ProcessRegistry owns every Process known to the driver, keyed by the
// identity of the host address space, plus the background worker that
// eviction, restore, and deferred process teardown run on.
//
// ProcessRegistry implements ComputeEvictor; wire it into the Manager
// tracking the same address spaces.
type ProcessRegistry struct {
	logger  *slog.Logger
	worker  *utils.WorkQueue
	options ProcessRegistryCreateOptions

	mutex     sync.Mutex
	processes *swiss.Map[uint64, *Process]
	nextID    ProcessID
}

// NewProcessRegistry creates a ProcessRegistry. The logger may be nil, in
// which case slog.Default() is used.
func NewProcessRegistry(logger *slog.Logger, options ProcessRegistryCreateOptions) *ProcessRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if options.RestoreDelay == 0 {
		options.RestoreDelay = DefaultRestoreDelay
	}
	if options.BackOffDelay == 0 {
		options.BackOffDelay = DefaultBackOffDelay
	}
	if options.ActiveDelay == 0 {
		options.ActiveDelay = DefaultActiveDelay
	}
	if options.QuiesceTimeout == 0 {
		options.QuiesceTimeout = DefaultQuiesceTimeout
	}

	return &ProcessRegistry{
		logger:    logger,
		worker:    utils.NewWorkQueue(),
		options:   options,
		processes: swiss.NewMap[uint64, *Process](8),
	}
}

// Close waits for deferred eviction and teardown work to finish and stops the
// background worker. The registry must not be used afterward.
func (r *ProcessRegistry) Close() {
	r.worker.Close()
}

// Process holds the per-host-process state of the residency core: the device
// table, the process-wide reverse interval index over every device's buffer
// records, and the eviction/restore machinery.
type Process struct {
	registry *ProcessRegistry
	id       ProcessID
	space    AddressSpace
	logger   *slog.Logger

	// mutex guards devices, deviceList, boIndex, the handle arenas of every
	// ProcessDevice, released, and evicted
	mutex      sync.Mutex
	devices    *swiss.Map[DeviceID, *ProcessDevice]
	deviceList []*ProcessDevice
	boIndex    memutils.IntervalTree[*BoRecord]
	released   bool

	quiesce        Fence
	evicted        int
	state          atomicEvictionState
	lastRestore    atomicTime
	evictWork      *utils.DelayedWork
	restoreWork    *utils.DelayedWork
	evictBackoff   *backoff.ExponentialBackOff
	restoreBackoff *backoff.ExponentialBackOff
}

func newRetryBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	// retried indefinitely, never surfaced as a hard failure
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// CreateProcess returns the Process for the given address space, creating it
// on first use. The quiesce fence, when non-nil, is waited on with a bounded
// timeout before any eviction of this process proceeds. A registration
// failure wraps memutils.RegistrationError and leaves no partial state.
func (r *ProcessRegistry) CreateProcess(space AddressSpace, quiesce Fence) (*Process, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.processes.Get(space.ID())
	if ok {
		return p, nil
	}

	r.nextID++
	p = &Process{
		registry: r,
		id:       r.nextID,
		space:    space,
		logger:   r.logger,
		devices:  swiss.NewMap[DeviceID, *ProcessDevice](8),
		quiesce:  quiesce,

		evictBackoff:   newRetryBackOff(r.options.BackOffDelay),
		restoreBackoff: newRetryBackOff(r.options.BackOffDelay),
	}
	p.evictWork = utils.NewDelayedWork(r.worker, p.evictWorker)
	p.restoreWork = utils.NewDelayedWork(r.worker, p.restoreWorker)
	p.lastRestore.Store(time.Now())

	err := space.RegisterObserver(p)
	if err != nil {
		return nil, errors.Wrapf(memutils.RegistrationError, "address space 0x%x: %v", space.ID(), err)
	}

	r.processes.Put(space.ID(), p)

	return p, nil
}

// LookupBySpace returns the live Process for an address space, or nil
func (r *ProcessRegistry) LookupBySpace(space AddressSpace) *Process {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, _ := r.processes.Get(space.ID())
	return p
}

// ProcessCount returns the number of live processes
func (r *ProcessRegistry) ProcessCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.processes.Count()
}

// ID returns the process's identity within its registry
func (p *Process) ID() ProcessID {
	return p.id
}

// Space returns the host address space this process runs in
func (p *Process) Space() AddressSpace {
	return p.space
}

// GetOrCreateDevice returns the per-device data for the given device,
// creating an empty handle table for it on first use
func (p *Process) GetOrCreateDevice(device Device) (*ProcessDevice, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.released {
		return nil, errors.Newf("process %d is already released", p.id)
	}

	pdd, ok := p.devices.Get(device.ID())
	if ok {
		return pdd, nil
	}

	pdd = &ProcessDevice{
		process: p,
		device:  device,
	}

	p.devices.Put(device.ID(), pdd)
	p.deviceList = append(p.deviceList, pdd)

	return pdd, nil
}

// Device returns the per-device data for a device id, or nil when the process
// has never touched that device
func (p *Process) Device(id DeviceID) *ProcessDevice {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	pdd, _ := p.devices.Get(id)
	return pdd
}

// OnRangeChangeStart implements RangeObserver. The process registration only
// cares about address-space teardown; range invalidation is the notifier
// contexts' business.
func (p *Process) OnRangeChangeStart(start, end uint64) {}

// OnRangeChangeEnd implements RangeObserver
func (p *Process) OnRangeChangeEnd(start, end uint64) {}

// OnRelease implements RangeObserver for the address-space-gone callback,
// deferring teardown off the callback thread
func (p *Process) OnRelease() {
	p.registry.releaseProcess(p)
}

// Release tears the process down explicitly: pending eviction and restore
// work is cancelled, the registry entry is removed immediately, and the
// remaining teardown runs on the registry's worker.
func (p *Process) Release() {
	p.registry.releaseProcess(p)
}

func (r *ProcessRegistry) releaseProcess(p *Process) {
	p.evictWork.Cancel()
	p.restoreWork.Cancel()

	r.mutex.Lock()
	existing, ok := r.processes.Get(p.space.ID())
	if ok && existing == p {
		r.processes.Delete(p.space.ID())
	}
	r.mutex.Unlock()

	r.worker.Submit(func() {
		p.destroy()
	})
}

// destroy runs on the registry worker once the process is no longer findable.
// Every device's handle table is drained, releasing external reference tags,
// before the process unsubscribes from the host.
func (p *Process) destroy() {
	p.mutex.Lock()

	p.released = true

	for _, pdd := range p.deviceList {
		pdd.arena.visit(func(rec *BoRecord) {
			if rec.externalRef != nil {
				rec.externalRef.Release()
				rec.externalRef = nil
			}
		})
		pdd.arena = handleArena{}
	}

	p.boIndex.Clear(func(n *memutils.IntervalNode[*BoRecord]) {
		n.Value = nil
	})

	p.deviceList = nil
	p.devices = swiss.NewMap[DeviceID, *ProcessDevice](8)

	p.mutex.Unlock()

	p.space.UnregisterObserver(p)
}

// ProcessDevice is the per-process-per-device data: the handle table mapping
// opaque handles to this device's buffer records
type ProcessDevice struct {
	process *Process
	device  Device

	// arena is guarded by process.mutex
	arena handleArena
}

// Process returns the owning process
func (pdd *ProcessDevice) Process() *Process {
	return pdd.process
}

// Device returns the device this data belongs to
func (pdd *ProcessDevice) Device() Device {
	return pdd.device
}
