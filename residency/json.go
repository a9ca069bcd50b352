package residency

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/residency/memutils"
)

// BuildStatsJSON populates a json object with the tracking state of every
// live notifier context. Diagnostic only; it takes each context's
// non-exclusive lock in turn, so it should not be run on a hot path.
func (m *Manager) BuildStatsJSON(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	general := objState.Name("General").Object()
	general.Name("ContextCount").Int(stats.ContextCount)
	general.Name("NodeCount").Int(stats.NodeCount)
	general.Name("RegistrationCount").Int(stats.RegistrationCount)
	general.Name("TrackedBytes").Int(int(stats.TrackedBytes))
	if stats.NodeCount > 0 {
		general.Name("NodeRangeSizeMin").Int(int(stats.NodeRangeSizeMin))
		general.Name("NodeRangeSizeMax").Int(int(stats.NodeRangeSizeMax))
	}
	general.End()

	m.mutex.Lock()
	contexts := make([]*Context, 0, m.contexts.Count())
	m.contexts.Iter(func(key contextKey, ctx *Context) bool {
		contexts = append(contexts, ctx)
		return false
	})
	m.mutex.Unlock()

	contextsObj := objState.Name("Contexts").Object()
	for _, ctx := range contexts {
		ctxObj := contextsObj.Name(fmt.Sprintf("0x%x-%s", ctx.space.ID(), ctx.kind)).Object()
		ctx.printDetailedMap(ctxObj)
		ctxObj.End()
	}
	contextsObj.End()
}

func (c *Context) printDetailedMap(json jwriter.ObjectState) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	json.Name("Kind").String(c.kind.String())
	json.Name("NodeCount").Int(c.objects.Count())
	json.Name("RegistrationCount").Int(c.byBuffer.Count())

	nodes := json.Name("Nodes").Array()
	defer nodes.End()

	_ = c.objects.VisitAll(func(n *indexNode) error {
		obj := nodes.Object()
		obj.Name("Range").String(n.Range().String())
		obj.Name("Size").Int(int(n.Range().Size()))
		obj.Name("Registrations").Int(len(n.Value))
		obj.End()
		return nil
	})
}

// BuildStatsJSON populates a json object with the eviction and handle-table
// state of every live process. Diagnostic only.
func (r *ProcessRegistry) BuildStatsJSON(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	r.mutex.Lock()
	processes := make([]*Process, 0, r.processes.Count())
	r.processes.Iter(func(key uint64, p *Process) bool {
		processes = append(processes, p)
		return false
	})
	r.mutex.Unlock()

	objState.Name("ProcessCount").Int(len(processes))

	processesObj := objState.Name("Processes").Object()
	for _, p := range processes {
		pObj := processesObj.Name(fmt.Sprintf("%d", p.id)).Object()
		p.printDetailedMap(pObj)
		pObj.End()
	}
	processesObj.End()
}

func (p *Process) printDetailedMap(json jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	json.Name("AddressSpace").String(fmt.Sprintf("0x%x", p.space.ID()))
	json.Name("EvictionState").String(p.state.Load().String())
	json.Name("EvictionCount").Int(p.evicted)
	json.Name("BufferRecords").Int(p.boIndex.Count())

	devices := json.Name("Devices").Object()
	defer devices.End()

	for _, pdd := range p.deviceList {
		devObj := devices.Name(fmt.Sprintf("%d", pdd.device.ID())).Object()
		devObj.Name("LiveHandles").Int(pdd.arena.live)
		devObj.End()
	}
}
