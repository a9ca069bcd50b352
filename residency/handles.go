package residency

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slog"
)

// Handle is an opaque identifier for one buffer record within a process's
// per-device handle table. The low 24 bits index a table slot; the high 8
// bits carry the slot's generation, so a handle whose slot has since been
// released and reissued is rejected rather than silently aliasing the new
// occupant.
type Handle uint32

// NilHandle is never issued for a live record
const NilHandle Handle = 0

const (
	handleIndexBits = 24
	handleIndexMask = 1<<handleIndexBits - 1
	maxHandleSlots  = handleIndexMask
)

func makeHandle(generation, index uint32) Handle {
	return Handle(generation<<handleIndexBits | index)
}

func (h Handle) index() uint32 {
	return uint32(h) & handleIndexMask
}

func (h Handle) generation() uint32 {
	return uint32(h) >> handleIndexBits
}

// CompositeHandle combines a device id and a per-device Handle into a single
// driver-global identifier: the device id occupies the most significant four
// bytes, the handle the least significant four.
type CompositeHandle uint64

func MakeCompositeHandle(device DeviceID, handle Handle) CompositeHandle {
	return CompositeHandle(uint64(device)<<32 | uint64(handle))
}

// Device returns the device id half of the composite
func (h CompositeHandle) Device() DeviceID {
	return DeviceID(h >> 32)
}

// Handle returns the per-device handle half of the composite
func (h CompositeHandle) Handle() Handle {
	return Handle(h & 0xFFFFFFFF)
}

// BoRecord is one handle table entry: a reference to the owning memory
// object, the host range it occupies, and an optional external-reference tag
// released when the handle is removed
type BoRecord struct {
	buffer      Buffer
	device      Device
	handle      Handle
	externalRef ExternalRef

	// node links the record into the process-wide reverse interval index;
	// node.Value points back at the record
	node memutils.IntervalNode[*BoRecord]
}

// Buffer returns the memory object the record refers to
func (rec *BoRecord) Buffer() Buffer {
	return rec.buffer
}

// Range returns the host range the record was created with
func (rec *BoRecord) Range() memutils.Range {
	return rec.node.Range()
}

// Handle returns the record's identifier within its device's table
func (rec *BoRecord) Handle() Handle {
	return rec.handle
}

type handleSlot struct {
	generation uint32
	record     *BoRecord
}

// handleArena issues small integer identifiers from a slot array with
// per-slot generation counters. Slots are reused only after explicit release,
// and a released slot's generation advances so outstanding handles to it go
// stale instead of aliasing.
type handleArena struct {
	slots []handleSlot
	free  []uint32
	live  int
}

func (a *handleArena) create(rec *BoRecord) (Handle, error) {
	var index uint32

	if len(a.free) > 0 {
		index = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		if len(a.slots) >= maxHandleSlots {
			return NilHandle, errors.Wrapf(memutils.AllocationError, "handle space exhausted with %d live handles", a.live)
		}

		index = uint32(len(a.slots))
		a.slots = append(a.slots, handleSlot{generation: 1})
	}

	slot := &a.slots[index]
	slot.record = rec
	a.live++

	handle := makeHandle(slot.generation, index)
	rec.handle = handle

	return handle, nil
}

func (a *handleArena) lookup(handle Handle) *BoRecord {
	index := handle.index()
	if index >= uint32(len(a.slots)) {
		return nil
	}

	slot := &a.slots[index]
	if slot.record == nil || slot.generation != handle.generation() {
		return nil
	}

	return slot.record
}

func (a *handleArena) remove(handle Handle) *BoRecord {
	rec := a.lookup(handle)
	if rec == nil {
		return nil
	}

	slot := &a.slots[handle.index()]
	slot.record = nil
	slot.generation++
	if slot.generation > 0xFF {
		slot.generation = 1
	}

	a.free = append(a.free, handle.index())
	a.live--

	return rec
}

func (a *handleArena) visit(visit func(rec *BoRecord)) {
	for i := range a.slots {
		if a.slots[i].record != nil {
			visit(a.slots[i].record)
		}
	}
}

// CreateHandle allocates a handle for a buffer occupying size bytes at addr
// in the owning process's address space, records the optional external
// reference tag, and indexes the range in the process-wide reverse interval
// index. Fails wrapping memutils.AllocationError when the identifier space is
// exhausted.
func (pdd *ProcessDevice) CreateHandle(bo Buffer, addr, size uint64, externalRef ExternalRef) (Handle, error) {
	if size == 0 {
		return NilHandle, errors.New("cannot create a handle over a zero-length range")
	}

	p := pdd.process
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.released {
		return NilHandle, errors.Newf("process %d is already released", p.id)
	}

	r := memutils.NewRange(addr, size)

	rec := &BoRecord{
		buffer:      bo,
		device:      pdd.device,
		externalRef: externalRef,
	}
	rec.node.Start = r.Start
	rec.node.Last = r.Last
	rec.node.Value = rec

	handle, err := pdd.arena.create(rec)
	if err != nil {
		return NilHandle, err
	}

	p.boIndex.Insert(&rec.node)

	return handle, nil
}

// Translate returns the buffer a handle refers to in O(1), or nil when the
// handle is stale or was never issued. A nil result means "object already
// released"; it is logged but must never abort the caller.
func (pdd *ProcessDevice) Translate(handle Handle) Buffer {
	p := pdd.process
	p.mutex.Lock()
	defer p.mutex.Unlock()

	rec := pdd.arena.lookup(handle)
	if rec == nil {
		p.logger.Error("ProcessDevice::Translate: stale or invalid handle",
			slog.Uint64("Process", uint64(p.id)),
			slog.Uint64("Device", uint64(pdd.device.ID())),
			slog.Uint64("Handle", uint64(handle)),
			slog.Any("Error", memutils.InvalidHandleError))
		return nil
	}

	return rec.buffer
}

// RemoveHandle releases the handle's external reference tag, removes the
// record from both the handle table and the reverse interval index, and
// advances the slot generation so the handle cannot alias a later record.
// Removing a handle twice is a caller bug; it is detected and logged rather
// than corrupting the table.
func (pdd *ProcessDevice) RemoveHandle(handle Handle) {
	p := pdd.process
	p.mutex.Lock()
	defer p.mutex.Unlock()

	rec := pdd.arena.remove(handle)
	if rec == nil {
		p.logger.Error("ProcessDevice::RemoveHandle: stale, invalid, or already-removed handle",
			slog.Uint64("Process", uint64(p.id)),
			slog.Uint64("Device", uint64(pdd.device.ID())),
			slog.Uint64("Handle", uint64(handle)),
			slog.Any("Error", memutils.InvalidHandleError))
		return
	}

	if rec.externalRef != nil {
		rec.externalRef.Release()
		rec.externalRef = nil
	}

	p.boIndex.Remove(&rec.node)
}

// HandleCount returns the number of live handles in this device's table
func (pdd *ProcessDevice) HandleCount() int {
	p := pdd.process
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return pdd.arena.live
}

// Validate performs internal consistency checks on the process's handle
// tables and reverse interval index: every occupied slot's record agrees with
// the handle that was issued for it, free and occupied slots account for the
// whole table, and the reverse index holds exactly one node per live record
func (p *Process) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalLive := 0

	for _, pdd := range p.deviceList {
		live := 0

		for i := range pdd.arena.slots {
			slot := &pdd.arena.slots[i]
			if slot.generation == 0 || slot.generation > 0xFF {
				return errors.Newf("slot %d of device %d carries generation %d outside the issued range", i, pdd.device.ID(), slot.generation)
			}
			if slot.record == nil {
				continue
			}
			live++

			rec := slot.record
			if rec.handle.index() != uint32(i) || rec.handle.generation() != slot.generation {
				return errors.Newf("slot %d of device %d holds a record whose handle 0x%x does not match the slot", i, pdd.device.ID(), uint32(rec.handle))
			}
			if rec.node.Value != rec {
				return errors.Newf("the record in slot %d of device %d has a broken index-node back-reference", i, pdd.device.ID())
			}
		}

		if live != pdd.arena.live {
			return errors.Newf("device %d lists %d live handles but holds %d occupied slots", pdd.device.ID(), pdd.arena.live, live)
		}
		if live+len(pdd.arena.free) != len(pdd.arena.slots) {
			return errors.Newf("device %d has %d slots but %d occupied plus %d free", pdd.device.ID(), len(pdd.arena.slots), live, len(pdd.arena.free))
		}

		totalLive += live
	}

	if totalLive != p.boIndex.Count() {
		return errors.Newf("the handle tables hold %d live records but the reverse index holds %d nodes", totalLive, p.boIndex.Count())
	}

	return p.boIndex.Validate()
}

// FindBufferByRange looks up the buffer record overlapping [start, last]
// across every device's records for this process. The range must correspond
// to exactly one live record: when zero or more than one overlap, nil is
// returned and a single ambiguity error is logged, because an overlap
// spanning multiple buffers is a caller error rather than something to
// resolve silently.
func (p *Process) FindBufferByRange(start, last uint64) Buffer {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	it := p.boIndex.FirstOverlap(start, last)
	if it == nil {
		p.logger.Error("Process::FindBufferByRange: range does not relate to an existing buffer",
			slog.Uint64("Process", uint64(p.id)),
			slog.String("Range", memutils.Range{Start: start, Last: last}.String()),
			slog.Any("Error", memutils.OverlapAmbiguityError))
		return nil
	}

	if p.boIndex.NextOverlap(it, start, last) != nil {
		p.logger.Error("Process::FindBufferByRange: range spans more than a single buffer object",
			slog.Uint64("Process", uint64(p.id)),
			slog.String("Range", memutils.Range{Start: start, Last: last}.String()),
			slog.Any("Error", memutils.OverlapAmbiguityError))
		return nil
	}

	return it.Value.buffer
}
