package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/btree"
	"github.com/blockcache/bcached/config"
	"github.com/blockcache/bcached/control"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
	"github.com/blockcache/bcached/journal"
	"github.com/blockcache/bcached/metrics"
	"github.com/blockcache/bcached/ondisk"
	"github.com/blockcache/bcached/router"
	"github.com/blockcache/bcached/writeback"
)

// treeMaxKeys bounds leaf/interior node fan-out the same way the router's
// own tests size a tree: small enough to exercise splits under real
// workloads without tuning it per device.
const treeMaxKeys = 128

// engine is the concrete control.Engine wiring the control tree's command
// attributes into the running cache set: the device set, bucket allocator
// workers, extents tree, journal, write pipeline, and the attached
// router.CachedDevice records. It builds no router.Router of its own.
type engine struct {
	cfg config.Config
	log bcachelog.Logger

	set    *device.Set
	groups map[int]*device.Group
	allocs map[*device.Device]*alloc.Allocator

	tree     *btree.Tree
	jrnl     *journal.Journal
	pipeline *writeback.Pipeline
	mets     *metrics.Set

	tr *control.Tree

	mu            sync.Mutex
	cachedDevices map[string]*router.CachedDevice
	stopped       bool
	cancelRun     context.CancelFunc
}

// newEngine opens every configured device, replays the journal into a
// fresh extents tree, and wires up the write pipeline and control tree.
// It does not start any goroutines; call run for that.
func newEngine(cfg config.Config, log bcachelog.Logger) (*engine, error) {
	e := &engine{
		cfg:           cfg,
		log:           log,
		set:           device.NewSet(),
		groups:        map[int]*device.Group{},
		allocs:        map[*device.Device]*alloc.Allocator{},
		mets:          metrics.NewSet(),
		cachedDevices: map[string]*router.CachedDevice{},
	}

	for _, dc := range cfg.Devices {
		backend, err := device.OpenFileBackend(dc.Path, dc.Discard)
		if err != nil {
			return nil, fmt.Errorf("newEngine: open %s: %w", dc.Path, err)
		}
		nBuckets := uint32(1 << 16) // geometry a real build probes from the device; fixed here for now
		dev := device.New(dc.Path, dc.Tier, dc.BucketSize, nBuckets, 0, dc.Replacement, dc.Discard, backend, log)
		e.set.Add(dev)
		e.allocs[dev] = alloc.New(dev, log, e.mets)
		grp := e.groups[dc.Tier]
		if grp == nil {
			grp = device.NewGroup(fmt.Sprintf("tier%d", dc.Tier))
			e.groups[dc.Tier] = grp
		}
		grp.Add(dev)
	}

	journalBackend, err := device.OpenFileBackend(cfg.JournalPath, false)
	if err != nil {
		return nil, fmt.Errorf("newEngine: open journal %s: %w", cfg.JournalPath, err)
	}
	e.jrnl = journal.New(journalBackend, 0, cfg.JournalSectors)

	cache := btree.NewCache()
	registry := btree.NewLinkRegistry()
	e.tree = btree.NewTree(btree.ExtentsTree, treeMaxKeys, cache, registry)

	if err := e.replayJournal(context.Background()); err != nil {
		return nil, fmt.Errorf("newEngine: journal replay: %w", err)
	}

	e.pipeline = &writeback.Pipeline{
		Tree:    e.tree,
		Pool:    alloc.NewPool(e.set),
		Allocs:  e.allocs,
		Set:     e.set,
		Journal: e.jrnl,
		Metrics: e.mets,
		Log:     log,
	}

	e.tr = control.NewTree(log)
	e.tr.RegisterOps(control.StandardOps(e))
	e.registerAttrs()

	return e, nil
}

// replayEntry applies a previously-journaled insert to the tree without
// appending it again; the sequence it was assigned is already durable.
type replayEntry struct{ seq uint64 }

func (r replayEntry) AppendInsert(_ btree.BtreeID, _ extent.Key, _ extent.Value) (uint64, error) {
	return r.seq, nil
}

func (e *engine) replayJournal(ctx context.Context) error {
	return e.jrnl.Replay(ctx, func(ent *ondisk.JournalEntry) error {
		it := e.tree.NewIter(ent.Key, 0)
		_, err := e.tree.Insert(it, ent.Key, ent.Value, replayEntry{seq: ent.Seq})
		return err
	})
}

// registerAttrs exposes the tunables the control surface's attribute
// tree names (spec §6): the ones with an obvious live home in Config.
func (e *engine) registerAttrs() {
	e.tr.RegisterAttr(&control.Attr{
		Name: "writeback_percent",
		Kind: control.KindInt,
		Get:  func() control.Value { return control.Value{Kind: control.KindInt, Int: int64(e.cfg.WritebackPercent)} },
		Set: func(v control.Value) error {
			e.cfg.WritebackPercent = int(v.Int)
			return nil
		},
	})
	e.tr.RegisterAttr(&control.Attr{
		Name: "cache_mode",
		Kind: control.KindEnum,
		Get:  func() control.Value { return control.Value{Kind: control.KindEnum, Enum: string(e.cfg.CacheMode)} },
		Set: func(v control.Value) error {
			e.cfg.CacheMode = config.CacheMode(v.Enum)
			return nil
		},
	})
	e.tr.RegisterAttr(&control.Attr{
		Name: "label",
		Kind: control.KindEnum,
		Get:  func() control.Value { return control.Value{Kind: control.KindEnum, Enum: e.cfg.Label} },
	})
}

// run starts one allocator worker per configured device and the control
// socket server, and blocks until ctx is cancelled or one of them fails.
// Per alloc.Allocator.Run's own doc comment, it is meant to be fanned out
// this way with golang.org/x/sync/errgroup.
func (e *engine) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelRun = cancel
	e.mu.Unlock()
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, dev := range e.set.All() {
		a := e.allocs[dev]
		g.Go(func() error { return a.Run(ctx) })
	}
	g.Go(func() error { return e.tr.Serve(ctx, e.cfg.ControlSocket) })

	e.log.Printf("bcached: running with %d device(s), control socket %s", len(e.set.All()), e.cfg.ControlSocket)
	return g.Wait()
}

// Attach implements control.Engine: it opens a cached (backing) device and
// records a CachedDevice for it, with a write point on the tier-0 group.
func (e *engine) Attach(cachedDevicePath string, setUUID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cachedDevices[cachedDevicePath]; ok {
		return errs.New(errs.Busy, "engine.Attach: already attached")
	}
	backend, err := device.OpenFileBackend(cachedDevicePath, false)
	if err != nil {
		return errs.Wrap(errs.IOError, "engine.Attach", err)
	}
	grp := e.groups[0]
	if grp == nil {
		return errs.New(errs.NotFound, "engine.Attach: no tier-0 device group configured")
	}
	cd := &router.CachedDevice{
		Backend:                 backend,
		Mode:                    e.cfg.CacheMode,
		BlockSizeSectors:        1,
		SequentialCutoffSectors: e.cfg.SequentialCutoff,
		CongestionReadMS:        e.cfg.CongestionReadMS,
		CongestionWriteMS:       e.cfg.CongestionWriteMS,
		WritePoint:              alloc.NewWritePoint(cachedDevicePath, grp, true),
		Replicas:                e.cfg.Replicas,
		RequiredReplicas:        e.cfg.RequiredReplicas,
		Reserve:                 device.ReserveNone,
	}
	e.cachedDevices[cachedDevicePath] = cd
	return nil
}

// Detach implements control.Engine.
func (e *engine) Detach(cachedDevicePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cd, ok := e.cachedDevices[cachedDevicePath]
	if !ok {
		return errs.New(errs.NotFound, "engine.Detach: not attached")
	}
	delete(e.cachedDevices, cachedDevicePath)
	return cd.Backend.Close()
}

// Stop implements control.Engine: it cancels the running context, which
// unwinds every allocator worker and the control server via run's errgroup.
func (e *engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	if e.cancelRun != nil {
		e.cancelRun()
	}
	return nil
}

// Unregister implements control.Engine: it removes a backing device's
// registration from its tier group and drops its allocator. The device
// stays in the device set, keeping its index there. The device must
// not currently be backing an attached CachedDevice.
func (e *engine) Unregister(devicePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dev := range e.set.All() {
		if dev.Path != devicePath {
			continue
		}
		if grp := e.groups[dev.Tier]; grp != nil {
			grp.Remove(dev)
		}
		delete(e.allocs, dev)
		return nil
	}
	return errs.New(errs.NotFound, "engine.Unregister: unknown device")
}

// AddDevice implements control.Engine. The new device's allocator worker
// is launched on its own, not added to run's errgroup: that Group is
// already blocked in Wait by the time an operator can reach this op, and
// calling Go concurrently with (or after) Wait is undefined.
func (e *engine) AddDevice(devicePath string, tier int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	backend, err := device.OpenFileBackend(devicePath, false)
	if err != nil {
		return errs.Wrap(errs.IOError, "engine.AddDevice", err)
	}
	dev := device.New(devicePath, tier, 512, 1<<16, 0, device.ReplacementLRU, false, backend, e.log)
	e.set.Add(dev)
	a := alloc.New(dev, e.log, e.mets)
	e.allocs[dev] = a
	grp := e.groups[tier]
	if grp == nil {
		grp = device.NewGroup(fmt.Sprintf("tier%d", tier))
		e.groups[tier] = grp
	}
	grp.Add(dev)

	go func() {
		if err := a.Run(context.Background()); err != nil {
			e.log.Printf("bcached: allocator for %s stopped: %v", devicePath, err)
		}
	}()
	return nil
}

// TriggerGC implements control.Engine as an explicit stub: moving/copying
// GC scheduling is out of this core's scope (spec §1 tiering Non-goal).
func (e *engine) TriggerGC() error {
	return control.StubEngine{}.TriggerGC()
}

// PruneCache implements control.Engine: a best-effort pass over every
// attached CachedDevice's dirty ranges is not what prune_cache asks for
// (it targets clean, not dirty, entries), and this core tracks no
// separate clean/dirty occupancy count to prune against, so this reports
// not implemented the same way trigger_gc does rather than silently
// discarding the request.
func (e *engine) PruneCache(targetPercent int) error {
	return errs.Wrap(errs.NotFound, "engine.PruneCache", fmt.Errorf("not implemented"))
}

// CreateVolume implements control.Engine. This core has no logical-volume
// namespace of its own (spec's extents tree is keyed by inode, not by
// volume); it mints an identifier an operator-facing layer above this one
// could use to partition the inode space, without modeling volumes here.
func (e *engine) CreateVolume(name string, sizeBytes int64) (uuid.UUID, error) {
	return uuid.New(), nil
}
