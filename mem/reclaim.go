package mem

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/numa"
)

/// Shrinker is implemented by every subsystem with reclaimable memory
/// (vm_object's page-tree LRU scan, the slab allocator's empty-partial
/// trim). Reclaim(target) should free up to target pages and report how
/// many it actually freed; a shrinker that can't make progress returns 0
/// rather than blocking.
type Shrinker interface {
	Reclaim(targetPages uint64) uint64
}

/// reclaimer runs one node's background kswapd-equivalent: it wakes
/// whenever any of the node's zones dips below its low watermark, runs
/// every registered shrinker until the zone clears its high watermark
/// or shrinkers stop making progress, then goes back to sleep. Direct
/// reclaim (Allocator.directReclaimAndRetry) runs the same shrinkers
/// synchronously in the allocating goroutine when kswapd can't keep up.
type reclaimer struct {
	alloc *Allocator
	node  numa.Node
	zones *nodeZones
	t     *config.Tunables
	log   zerolog.Logger
}

func newReclaimer(a *Allocator, node numa.Node, zones *nodeZones, t *config.Tunables, log zerolog.Logger) *reclaimer {
	return &reclaimer{alloc: a, node: node, zones: zones, t: t, log: log.With().Int("node", int(node)).Logger()}
}

/// Run drives the reclaimer loop until ctx is cancelled, the idiom
/// every per-node background worker in this core follows so tests can
/// bound their lifetime deterministically instead of leaking goroutines.
func (r *reclaimer) Run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	for _, z := range r.zones.zones {
		if z == nil {
			continue
		}
		go r.forward(ctx, z, wake)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			r.reclaimPass()
		}
	}
}

func (r *reclaimer) forward(ctx context.Context, z *Zone, wake chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-z.kswapdWake:
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func (r *reclaimer) reclaimPass() {
	for _, z := range r.zones.zones {
		if z == nil {
			continue
		}
		_, _, high := z.Watermarks()
		for tries := 0; tries < r.t.ReclaimMaxRetries && z.FreePages() < high; tries++ {
			freed := r.alloc.runShrinkers(uint64(r.t.ReclaimBatchPages))
			if freed == 0 {
				break
			}
		}
	}
}
