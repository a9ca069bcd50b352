package residency

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/residency/internal/utils"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slog"
)

// ComputeEvictor is the coordinator a Manager delegates to when an
// invalidation hits compute-managed buffers. ProcessRegistry implements it.
type ComputeEvictor interface {
	// ScheduleEvictRestore defers eviction of the process owning the given
	// address space, followed by a delayed restore attempt. Must not block.
	ScheduleEvictRestore(space AddressSpace) error
}

// ManagerCreateOptions contains optional settings for NewManager
type ManagerCreateOptions struct {
	// Evictor receives eviction requests for compute-managed buffers. When
	// nil, invalidations of KindCompute contexts degrade to marking pages
	// stale and logging an error.
	Evictor ComputeEvictor
}

type contextKey struct {
	space uint64
	kind  Kind
}

// Manager owns the global registry of notifier contexts, keyed by (address
// space, kind), and the background worker that deferred context destruction
// runs on. One Manager serves one device driver instance.
type Manager struct {
	logger  *slog.Logger
	evictor ComputeEvictor
	worker  *utils.WorkQueue

	// mutex guards contexts; it is held only for lookup, insert, and remove,
	// never across a fence wait, so invalidation storms on different address
	// spaces do not serialize against each other
	mutex    sync.Mutex
	contexts *swiss.Map[contextKey, *Context]
}

// NewManager creates a Manager. The logger may be nil, in which case
// slog.Default() is used.
func NewManager(logger *slog.Logger, options ManagerCreateOptions) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:   logger,
		evictor:  options.Evictor,
		worker:   utils.NewWorkQueue(),
		contexts: swiss.NewMap[contextKey, *Context](8),
	}
}

// Close waits for any deferred context destruction to finish and stops the
// background worker. The Manager must not be used afterward.
func (m *Manager) Close() {
	m.worker.Close()
}

// GetContext returns the notifier context for the (space, kind) pair,
// creating and subscribing it on first use. On a registration failure the
// error wraps memutils.RegistrationError and no partial state is left in the
// registry.
func (m *Manager) GetContext(space AddressSpace, kind Kind) (*Context, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := contextKey{space: space.ID(), kind: kind}

	ctx, ok := m.contexts.Get(key)
	if ok {
		return ctx, nil
	}

	ctx = &Context{
		manager:  m,
		space:    space,
		kind:     kind,
		logger:   m.logger,
		byBuffer: swiss.NewMap[Buffer, *indexNode](8),
	}

	err := space.RegisterObserver(ctx)
	if err != nil {
		return nil, errors.Wrapf(memutils.RegistrationError, "address space 0x%x, %s: %v", space.ID(), kind, err)
	}

	m.contexts.Put(key, ctx)

	return ctx, nil
}

// RegisterBuffer begins address-space tracking for a buffer pinned at addr
// covering size bytes. The context kind is chosen by the buffer's management
// stack. Fails when size is zero or the context could not be set up.
func (m *Manager) RegisterBuffer(bo Buffer, space AddressSpace, addr, size uint64) error {
	if size == 0 {
		return errors.New("cannot register a buffer over a zero-length range")
	}

	kind := KindGraphics
	if bo.ComputeManaged() {
		kind = KindCompute
	}

	ctx, err := m.GetContext(space, kind)
	if err != nil {
		return err
	}

	m.logger.Debug("Manager::RegisterBuffer",
		slog.Uint64("AddressSpace", space.ID()),
		slog.String("Kind", kind.String()),
		slog.Uint64("Addr", addr),
		slog.Uint64("Size", size))

	ctx.register(bo, memutils.NewRange(addr, size))
	return nil
}

// UnregisterBuffer removes any address-space tracking for the buffer. A no-op
// when the buffer has no notifier back-reference.
func (m *Manager) UnregisterBuffer(bo Buffer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ctx := bo.Notifier()
	if ctx == nil {
		return
	}

	ctx.unregister(bo)
}

// releaseContext removes the context from the registry immediately, so no new
// lookup can find it, and defers the remaining teardown to the worker because
// unsubscribing from the host notification mechanism may block
func (m *Manager) releaseContext(ctx *Context) {
	key := contextKey{space: ctx.space.ID(), kind: ctx.kind}

	m.mutex.Lock()
	existing, ok := m.contexts.Get(key)
	if ok && existing == ctx {
		m.contexts.Delete(key)
	}
	m.mutex.Unlock()

	m.worker.Submit(func() {
		ctx.destroy()
	})
}

// ContextCount returns the number of live notifier contexts
func (m *Manager) ContextCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.contexts.Count()
}

// AddDetailedStatistics sums the tracking state of every live context into
// the provided statistics object
func (m *Manager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	m.mutex.Lock()
	contexts := make([]*Context, 0, m.contexts.Count())
	m.contexts.Iter(func(key contextKey, ctx *Context) bool {
		contexts = append(contexts, ctx)
		return false
	})
	m.mutex.Unlock()

	for _, ctx := range contexts {
		ctx.AddDetailedStatistics(stats)
	}
}
