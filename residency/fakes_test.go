package residency

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slog"
)

// captureHandler counts records by level so tests can assert on logged
// degraded conditions
type captureHandler struct {
	mutex      sync.Mutex
	errorCount int
	messages   []string
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, record slog.Record) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if record.Level >= slog.LevelError {
		h.errorCount++
	}
	h.messages = append(h.messages, record.Message)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *captureHandler) ErrorCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.errorCount
}

func testLogger() (*slog.Logger, *captureHandler) {
	handler := &captureHandler{}
	return slog.New(handler), handler
}

type fakeReservation struct {
	mutex     sync.Mutex
	waitErr   error
	waitCalls int
}

func (r *fakeReservation) Wait(waitAll bool, interruptible bool, timeout time.Duration) (time.Duration, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.waitCalls++
	if r.waitErr != nil {
		return 0, r.waitErr
	}
	return timeout, nil
}

func (r *fakeReservation) WaitCalls() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.waitCalls
}

type fakeBuffer struct {
	size        uint64
	compute     bool
	reservation *fakeReservation

	mutex      sync.Mutex
	mapped     memutils.Range
	hasMapped  bool
	staleCalls int
	notifier   *Context
}

func newFakeBuffer(size uint64) *fakeBuffer {
	return &fakeBuffer{
		size:        size,
		reservation: &fakeReservation{},
	}
}

func newFakeComputeBuffer(size uint64) *fakeBuffer {
	bo := newFakeBuffer(size)
	bo.compute = true
	return bo
}

func (b *fakeBuffer) Size() uint64 {
	return b.size
}

func (b *fakeBuffer) Reservation() Reservation {
	return b.reservation
}

// setMappedRange restricts AffectsRange to the given range; without it, any
// queried range is reported as affecting the buffer
func (b *fakeBuffer) setMappedRange(r memutils.Range) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.mapped = r
	b.hasMapped = true
}

func (b *fakeBuffer) AffectsRange(start, last uint64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasMapped {
		return true
	}
	return b.mapped.Overlaps(memutils.Range{Start: start, Last: last})
}

func (b *fakeBuffer) MarkPagesStale() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.staleCalls++
}

func (b *fakeBuffer) StaleCalls() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.staleCalls
}

func (b *fakeBuffer) ComputeManaged() bool {
	return b.compute
}

func (b *fakeBuffer) Notifier() *Context {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.notifier
}

func (b *fakeBuffer) SetNotifier(ctx *Context) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.notifier = ctx
}

type fakeSpace struct {
	id uint64

	mutex        sync.Mutex
	registerErr  error
	observers    []RangeObserver
	unregistered []RangeObserver
}

func newFakeSpace(id uint64) *fakeSpace {
	return &fakeSpace{id: id}
}

func (s *fakeSpace) ID() uint64 {
	return s.id
}

func (s *fakeSpace) RegisterObserver(observer RangeObserver) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.registerErr != nil {
		return s.registerErr
	}

	s.observers = append(s.observers, observer)
	return nil
}

func (s *fakeSpace) UnregisterObserver(observer RangeObserver) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, o := range s.observers {
		if o == observer {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			break
		}
	}
	s.unregistered = append(s.unregistered, observer)
}

func (s *fakeSpace) snapshotObservers() []RangeObserver {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]RangeObserver(nil), s.observers...)
}

// invalidateRange drives a full start/end window, the way the host delivers
// a page-table mutation over [start, end)
func (s *fakeSpace) invalidateRange(start, end uint64) {
	observers := s.snapshotObservers()
	for _, o := range observers {
		o.OnRangeChangeStart(start, end)
	}
	for _, o := range observers {
		o.OnRangeChangeEnd(start, end)
	}
}

// release reports the address space gone
func (s *fakeSpace) release() {
	for _, o := range s.snapshotObservers() {
		o.OnRelease()
	}
}

func (s *fakeSpace) UnregisteredCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.unregistered)
}

type fakeDevice struct {
	id DeviceID

	mutex                 sync.Mutex
	evictQueueCalls       int
	restoreQueueCalls     int
	releaseResidencyCalls int
	restoreResidencyCalls int
	restoreResidencyErrs  []error
}

func newFakeDevice(id DeviceID) *fakeDevice {
	return &fakeDevice{id: id}
}

func (d *fakeDevice) ID() DeviceID {
	return d.id
}

func (d *fakeDevice) EvictQueues(process *Process) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.evictQueueCalls++
	return nil
}

func (d *fakeDevice) RestoreQueues(process *Process) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.restoreQueueCalls++
	return nil
}

func (d *fakeDevice) ReleaseResidency(process *Process) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.releaseResidencyCalls++
	return nil
}

func (d *fakeDevice) RestoreResidency(process *Process) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.restoreResidencyCalls++
	if len(d.restoreResidencyErrs) > 0 {
		err := d.restoreResidencyErrs[0]
		d.restoreResidencyErrs = d.restoreResidencyErrs[1:]
		return err
	}
	return nil
}

// failNextRestores makes the next n RestoreResidency calls fail with a
// resource-exhaustion error
func (d *fakeDevice) failNextRestores(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i := 0; i < n; i++ {
		d.restoreResidencyErrs = append(d.restoreResidencyErrs,
			errors.Wrap(memutils.AllocationError, "no device memory for restore"))
	}
}

func (d *fakeDevice) Calls() (evictQueues, restoreQueues, releaseResidency, restoreResidency int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.evictQueueCalls, d.restoreQueueCalls, d.releaseResidencyCalls, d.restoreResidencyCalls
}

type fakeFence struct {
	mutex sync.Mutex
	errs  []error
	calls int
}

func (f *fakeFence) Wait(timeout time.Duration) (time.Duration, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return 0, err
	}
	return timeout, nil
}

// failNextWaits makes the next n waits time out
func (f *fakeFence) failNextWaits(n int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for i := 0; i < n; i++ {
		f.errs = append(f.errs, errors.Wrap(memutils.FenceWaitError, "quiesce fence timed out"))
	}
}

func (f *fakeFence) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.calls
}

type fakeExternalRef struct {
	mutex    sync.Mutex
	releases int
}

func (r *fakeExternalRef) Release() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.releases++
}

func (r *fakeExternalRef) Releases() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.releases
}
