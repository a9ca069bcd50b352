package residency

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slog"
)

// indexNode carries the buffer objects registered for one maximal cluster of
// overlapping tracked ranges. The node's range is the union of the ranges its
// registrations were made with.
type indexNode = memutils.IntervalNode[[]Buffer]

// Context tracks the GPU-visible buffer ranges of one (address space, kind)
// pair. It owns one interval index of registered ranges and a lock granting
// either exclusive access, for registration changes and teardown, or any
// number of concurrent non-exclusive holds, for submission paths checking
// residency and for invalidation delivery.
//
// Contexts are created lazily by Manager.GetContext and destroyed on a
// background worker when the host reports the address space gone.
type Context struct {
	manager *Manager
	space   AddressSpace
	kind    Kind
	logger  *slog.Logger

	lock sync.RWMutex

	// readMutex serializes read-side acquisition so that the recursion count
	// and the RLock call below cannot interleave between two threads
	readMutex sync.Mutex
	recursion atomic.Int32

	// objects and byBuffer are guarded by lock
	objects  memutils.IntervalTree[[]Buffer]
	byBuffer *swiss.Map[Buffer, *indexNode]
}

// Space returns the address space this context tracks
func (c *Context) Space() AddressSpace {
	return c.space
}

// Kind returns the context's consumer kind
func (c *Context) Kind() Kind {
	return c.kind
}

// Lock takes the exclusive side of the context lock, blocking out
// invalidation delivery and registration changes for a submission-critical
// section. Tolerates a nil receiver so callers can lock a buffer's notifier
// back-reference without checking it first.
func (c *Context) Lock() {
	if c != nil {
		c.lock.Lock()
	}
}

// Unlock drops the exclusive side of the context lock
func (c *Context) Unlock() {
	if c != nil {
		c.lock.Unlock()
	}
}

// readLock takes the non-exclusive side of the context lock, counted per
// context rather than per caller so that recursive notifier delivery into the
// same context does not deadlock: only the outermost hold acquires the
// underlying lock.
func (c *Context) readLock() {
	c.readMutex.Lock()
	if c.recursion.Add(1) == 1 {
		c.lock.RLock()
	}
	c.readMutex.Unlock()
}

// readUnlock drops one counted non-exclusive hold; the underlying lock is
// released when the outermost hold ends. The release may run on a different
// thread than the acquisition, matching how the host pairs range-change
// callbacks.
func (c *Context) readUnlock() {
	if c.recursion.Add(-1) == 0 {
		c.lock.RUnlock()
	}
}

// register adds a buffer to the context's interval index at the given range.
// Any existing nodes overlapping the range are merged with it into a single
// node covering the union of their ranges, so the index never holds two
// overlapping nodes; lookup cost stays proportional to the clusters touched
// rather than the buffers tracked.
func (c *Context) register(bo Buffer, r memutils.Range) {
	c.lock.Lock()
	defer c.lock.Unlock()

	start := r.Start
	last := r.Last

	var node *indexNode
	var merged []Buffer

	for {
		it := c.objects.FirstOverlap(start, last)
		if it == nil {
			break
		}

		c.objects.Remove(it)
		if it.Start < start {
			start = it.Start
		}
		if it.Last > last {
			last = it.Last
		}
		merged = append(merged, it.Value...)
		node = it
	}

	if node == nil {
		node = &indexNode{}
	}

	node.Start = start
	node.Last = last
	node.Value = append(merged, bo)
	c.objects.Insert(node)

	for _, b := range node.Value {
		c.byBuffer.Put(b, node)
	}

	bo.SetNotifier(c)
}

// unregister removes a buffer from its node's registration set, dropping the
// node once its last registration is gone, and clears the buffer's back
// reference
func (c *Context) unregister(bo Buffer) {
	c.lock.Lock()
	defer c.lock.Unlock()

	node, ok := c.byBuffer.Get(bo)
	if !ok {
		c.logger.Error("Context::unregister: buffer has a notifier back-reference but no registration",
			slog.Uint64("AddressSpace", c.space.ID()),
			slog.String("Kind", c.kind.String()))
		bo.SetNotifier(nil)
		return
	}

	c.byBuffer.Delete(bo)
	bo.SetNotifier(nil)

	buffers := node.Value
	for i, b := range buffers {
		if b == bo {
			node.Value = append(buffers[:i], buffers[i+1:]...)
			break
		}
	}

	if len(node.Value) == 0 {
		c.objects.Remove(node)
	}
}

// destroy runs on the manager's worker after the host reported the address
// space gone. It clears every remaining back-reference under both the
// registry mutex and the exclusive lock, so an unregister routed through a
// buffer's back-reference cannot interleave with the clearing, then
// unsubscribes from the host outside all locks because unregistration may
// block.
func (c *Context) destroy() {
	c.manager.mutex.Lock()
	c.lock.Lock()

	c.objects.Clear(func(n *indexNode) {
		for _, bo := range n.Value {
			bo.SetNotifier(nil)
		}
		n.Value = nil
	})
	c.byBuffer = swiss.NewMap[Buffer, *indexNode](8)

	c.lock.Unlock()
	c.manager.mutex.Unlock()

	c.space.UnregisterObserver(c)
}

// OnRelease implements RangeObserver for the address-space-gone callback.
// Destruction never runs synchronously inside the callback; the registry
// entry is removed immediately so no new lookup can find the context, and the
// remaining teardown is deferred to the manager's worker.
func (c *Context) OnRelease() {
	c.manager.releaseContext(c)
}

// NodeCount returns the number of live interval-index nodes
func (c *Context) NodeCount() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.objects.Count()
}

// RegistrationCount returns the number of buffers currently registered
func (c *Context) RegistrationCount() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.byBuffer.Count()
}

// AddDetailedStatistics sums this context's tracking state into the provided
// statistics object
func (c *Context) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	stats.ContextCount++
	_ = c.objects.VisitAll(func(n *indexNode) error {
		stats.AddNode(n.Range().Size())
		stats.RegistrationCount += len(n.Value)
		return nil
	})
}

// Validate performs internal consistency checks: the interval index is
// internally consistent, every registered buffer's back-reference points at
// this context, and the by-buffer map agrees with the index contents
func (c *Context) Validate() error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	err := c.objects.Validate()
	if err != nil {
		return err
	}

	registrations := 0
	err = c.objects.VisitAll(func(n *indexNode) error {
		for _, bo := range n.Value {
			registrations++

			if bo.Notifier() != c {
				return errors.Newf("a buffer registered in node %s does not have this context as its back-reference", n.Range())
			}

			mapped, ok := c.byBuffer.Get(bo)
			if !ok || mapped != n {
				return errors.Newf("a buffer registered in node %s is missing from the by-buffer map", n.Range())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if registrations != c.byBuffer.Count() {
		return errors.Newf("the index holds %d registrations but the by-buffer map holds %d", registrations, c.byBuffer.Count())
	}

	return nil
}
