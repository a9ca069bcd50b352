package residency

import (
	"golang.org/x/exp/slog"
)

// OnRangeChangeStart implements RangeObserver. The host is about to mutate
// the pages backing [start, end); the context takes its counted read lock --
// blocking new registrations and submissions until the window closes -- and
// walks every registered buffer whose mapped pages the change touches.
//
// The read lock stays held until the matching OnRangeChangeEnd for both
// context kinds, so a submission path can never observe pages mid-change.
func (c *Context) OnRangeChangeStart(start, end uint64) {
	// notification is end-exclusive, the interval index is inclusive
	last := end - 1

	c.readLock()

	if c.kind == KindCompute {
		c.invalidateCompute(start, last)
	} else {
		c.invalidateGraphics(start, last)
	}
}

// OnRangeChangeEnd implements RangeObserver, closing the window opened by the
// matching OnRangeChangeStart and allowing new submissions again
func (c *Context) OnRangeChangeEnd(start, end uint64) {
	c.readUnlock()
}

// invalidateGraphics waits for each affected buffer to go idle and marks its
// backing pages stale so the next GPU access re-fetches them. A fence-wait
// failure is logged and the walk continues; partial failure must not leave
// the index or locks inconsistent.
func (c *Context) invalidateGraphics(start, last uint64) {
	it := c.objects.FirstOverlap(start, last)
	for it != nil {
		node := it
		it = c.objects.NextOverlap(it, start, last)

		for _, bo := range node.Value {
			if !bo.AffectsRange(start, last) {
				continue
			}

			_, err := bo.Reservation().Wait(true, false, NoTimeout)
			if err != nil {
				c.logger.Error("Context::invalidateGraphics: failed to wait for user buffer idle",
					slog.Uint64("AddressSpace", c.space.ID()),
					slog.String("Node", node.Range().String()),
					slog.Any("Error", err))
			}

			bo.MarkPagesStale()
		}
	}
}

// invalidateCompute hands each affected process to the eviction coordinator.
// Quiescing compute queues can block on fence completions, so nothing is
// waited for here; the coordinator runs on its own worker.
func (c *Context) invalidateCompute(start, last uint64) {
	it := c.objects.FirstOverlap(start, last)
	for it != nil {
		node := it
		it = c.objects.NextOverlap(it, start, last)

		for _, bo := range node.Value {
			if !bo.AffectsRange(start, last) {
				continue
			}

			if c.manager.evictor == nil {
				c.logger.Error("Context::invalidateCompute: no compute evictor configured, marking pages stale only",
					slog.Uint64("AddressSpace", c.space.ID()),
					slog.String("Node", node.Range().String()))
				bo.MarkPagesStale()
				continue
			}

			err := c.manager.evictor.ScheduleEvictRestore(c.space)
			if err != nil {
				c.logger.Error("Context::invalidateCompute: failed to schedule eviction",
					slog.Uint64("AddressSpace", c.space.ID()),
					slog.String("Node", node.Range().String()),
					slog.Any("Error", err))
			}
		}
	}
}
