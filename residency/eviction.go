package residency

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// EvictionState describes where a process sits in the eviction cycle
// Active -> Evicting -> Evicted -> Restoring -> Active
type EvictionState int32

const (
	StateActive EvictionState = iota
	StateEvicting
	StateEvicted
	StateRestoring
)

var evictionStateNames = map[EvictionState]string{
	StateActive:    "StateActive",
	StateEvicting:  "StateEvicting",
	StateEvicted:   "StateEvicted",
	StateRestoring: "StateRestoring",
}

func (s EvictionState) String() string {
	return evictionStateNames[s]
}

type atomicEvictionState struct {
	value atomic.Int32
}

func (s *atomicEvictionState) Store(state EvictionState) {
	s.value.Store(int32(state))
}

func (s *atomicEvictionState) Load() EvictionState {
	return EvictionState(s.value.Load())
}

type atomicTime struct {
	unixNano atomic.Int64
}

func (t *atomicTime) Store(when time.Time) {
	t.unixNano.Store(when.UnixNano())
}

func (t *atomicTime) Load() time.Time {
	return time.Unix(0, t.unixNano.Load())
}

// EvictionState returns the process's position in the eviction cycle
func (p *Process) EvictionState() EvictionState {
	return p.state.Load()
}

// EvictionCount returns the eviction nesting counter: zero means fully
// active, a positive count means that many evictions are in flight and as
// many successful restores are required to return to Active
func (p *Process) EvictionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.evicted
}

// LastRestore returns the time of the last restore that returned the process
// to Active
func (p *Process) LastRestore() time.Time {
	return p.lastRestore.Load()
}

// ScheduleEvictRestore implements ComputeEvictor: it defers an eviction of
// the process owning the given address space, followed by a delayed restore
// attempt. Called from invalidation delivery, so nothing blocks here.
func (r *ProcessRegistry) ScheduleEvictRestore(space AddressSpace) error {
	p := r.LookupBySpace(space)
	if p == nil {
		return errors.Newf("no process registered for address space 0x%x", space.ID())
	}

	p.ScheduleEvictRestore()
	return nil
}

// ScheduleEvictRestore arms the process's deferred eviction. A process that
// was restored less than the active delay ago keeps running until the delay
// has elapsed; an eviction already pending is left alone.
func (p *Process) ScheduleEvictRestore() {
	var delay time.Duration

	elapsed := time.Since(p.lastRestore.Load())
	if elapsed < p.registry.options.ActiveDelay {
		delay = p.registry.options.ActiveDelay - elapsed
	}

	p.evictWork.Schedule(delay)
}

// Evict forces the process's device buffers out of GPU-visible state. The
// quiesce fence is waited on with a bounded timeout first so in-flight
// compute work cannot touch pages mid-eviction; a timeout is returned to the
// caller and is recoverable by retrying after a backoff. Each call increments
// the eviction counter; queue eviction and residency release run only on the
// transition from zero.
func (p *Process) Evict() error {
	if p.quiesce != nil {
		_, err := p.quiesce.Wait(p.registry.options.QuiesceTimeout)
		if err != nil {
			return errors.Wrapf(err, "quiescing compute work for process %d", p.id)
		}
	}

	p.mutex.Lock()
	if p.released {
		p.mutex.Unlock()
		return nil
	}

	p.evicted++
	first := p.evicted == 1
	devices := append([]*ProcessDevice(nil), p.deviceList...)
	p.mutex.Unlock()

	if first {
		p.state.Store(StateEvicting)

		for _, pdd := range devices {
			err := pdd.device.EvictQueues(p)
			if err != nil {
				p.logger.Error("Process::Evict: failed to evict queues",
					slog.Uint64("Process", uint64(p.id)),
					slog.Uint64("Device", uint64(pdd.device.ID())),
					slog.Any("Error", err))
			}

			err = pdd.device.ReleaseResidency(p)
			if err != nil {
				p.logger.Error("Process::Evict: failed to release residency",
					slog.Uint64("Process", uint64(p.id)),
					slog.Uint64("Device", uint64(pdd.device.ID())),
					slog.Any("Error", err))
			}
		}
	}

	p.state.Store(StateEvicted)
	return nil
}

// Restore attempts to re-acquire device-visible residency for previously
// evicted buffers. A no-op on an already-active process. On success the
// eviction counter is decremented; the process transitions back to Active,
// and the last-restore timestamp advances, only when the counter reaches
// zero. A resource-exhaustion error leaves the process Evicted so the caller
// can reschedule with backoff.
func (p *Process) Restore() error {
	p.mutex.Lock()
	if p.evicted == 0 {
		p.mutex.Unlock()
		return nil
	}
	devices := append([]*ProcessDevice(nil), p.deviceList...)
	p.mutex.Unlock()

	p.state.Store(StateRestoring)

	for _, pdd := range devices {
		err := pdd.device.RestoreResidency(p)
		if err != nil {
			p.state.Store(StateEvicted)
			return errors.Wrapf(err, "restoring residency for process %d on device %d", p.id, pdd.device.ID())
		}
	}

	for _, pdd := range devices {
		err := pdd.device.RestoreQueues(p)
		if err != nil {
			p.logger.Error("Process::Restore: failed to restore queues",
				slog.Uint64("Process", uint64(p.id)),
				slog.Uint64("Device", uint64(pdd.device.ID())),
				slog.Any("Error", err))
		}
	}

	p.mutex.Lock()
	p.evicted--
	active := p.evicted == 0
	p.mutex.Unlock()

	if active {
		p.state.Store(StateActive)
		p.lastRestore.Store(time.Now())
		p.restoreBackoff.Reset()
	} else {
		p.state.Store(StateEvicted)
	}

	return nil
}

// evictWorker runs deferred evictions on the registry worker. A quiesce
// timeout is recoverable: the eviction is retried after a backoff delay
// rather than treated as fatal.
func (p *Process) evictWorker() {
	err := p.Evict()
	if err != nil {
		delay := p.evictBackoff.NextBackOff()
		p.logger.Error("Process::evictWorker: quiesce wait failed, retrying eviction",
			slog.Uint64("Process", uint64(p.id)),
			slog.Duration("RetryIn", delay),
			slog.Any("Error", err))
		p.evictWork.Reschedule(delay)
		return
	}

	p.evictBackoff.Reset()
	p.restoreWork.Schedule(p.registry.options.RestoreDelay)
}

// restoreWorker runs deferred restores on the registry worker. Resource
// exhaustion reschedules with backoff; persistent failure degrades to
// repeated backoff without ever surfacing as a hard failure to the
// submitting application.
func (p *Process) restoreWorker() {
	err := p.Restore()
	if err != nil {
		delay := p.restoreBackoff.NextBackOff()
		p.logger.Error("Process::restoreWorker: restore failed, retrying",
			slog.Uint64("Process", uint64(p.id)),
			slog.Duration("RetryIn", delay),
			slog.Any("Error", err))
		p.restoreWork.Reschedule(delay)
		return
	}

	p.mutex.Lock()
	stillEvicted := p.evicted > 0
	p.mutex.Unlock()

	if stillEvicted {
		p.restoreWork.Schedule(p.registry.options.RestoreDelay)
	}
}
