package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/backend"
	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

const (
	defaultCapacityPerClass = 1
	drainGrace              = 30 * time.Second
)

// Pool is the BackendSlotPool: a per-class-bounded, LRU-evicting registry of
// live backend.Process instances. The zero value is not usable; construct
// with New.
type Pool struct {
	log      logging.Logger
	ports    *backend.PortAllocator
	capacity map[catalog.Class]int

	mu      sync.Mutex
	slots   map[string]*slot
	waitCh  chan struct{} // closed and replaced on every state change, to wake blocked acquirers
	metrics Recorder
}

// Recorder receives pool events for pkg/metrics to observe, without pkg/pool
// importing pkg/metrics directly.
type Recorder interface {
	ObserveLoad(name string, recipe options.Recipe, duration time.Duration, ok bool)
	ObserveEviction(name string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveLoad(string, options.Recipe, time.Duration, bool) {}
func (noopRecorder) ObserveEviction(string)                                  {}

// New constructs a Pool with the given per-class capacity (defaulting to 1
// for any class absent from capacity).
func New(capacity map[catalog.Class]int, log logging.Logger, recorder Recorder) *Pool {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Pool{
		log:      log,
		ports:    backend.NewPortAllocator(),
		capacity: capacity,
		slots:    make(map[string]*slot),
		waitCh:   make(chan struct{}),
		metrics:  recorder,
	}
}

func (p *Pool) capacityFor(class catalog.Class) int {
	if c, ok := p.capacity[class]; ok && c > 0 {
		return c
	}
	return defaultCapacityPerClass
}

// broadcastLocked wakes every goroutine blocked in waitForChange. Callers
// must hold p.mu.
func (p *Pool) broadcastLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// waitForChange blocks until the next broadcastLocked call or ctx expires.
func (p *Pool) waitForChange(ctx context.Context) error {
	p.mu.Lock()
	ch := p.waitCh
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return apierrors.Wrap(apierrors.Timeout, ctx.Err(), "acquire cancelled waiting for pool capacity")
	}
}

// Handle is the caller's reference to an acquired slot. Forward proxies the
// request through the underlying backend; Release must be called exactly
// once when the caller is done, regardless of forward outcome.
type Handle struct {
	pool *Pool
	slot *slot
}

func (p *Pool) lookupLocked(name string) (*slot, bool) {
	s, ok := p.slots[name]
	return s, ok
}

func (p *Pool) countClassLocked(class catalog.Class) int {
	n := 0
	for _, s := range p.slots {
		if s.class == class && s.state != StateDead {
			n++
		}
	}
	return n
}

// pickVictimLocked returns the idle (in_flight==0) slot in class with the
// smallest last_used_at, breaking ties by lexicographically smallest name.
// Returns nil if every slot in the class is busy.
func (p *Pool) pickVictimLocked(class catalog.Class) *slot {
	var victim *slot
	for _, s := range p.slots {
		if s.class != class || s.state == StateDraining || s.state == StateDead {
			continue
		}
		if atomic.LoadInt64(&s.inFlight) > 0 {
			continue
		}
		if victim == nil {
			victim = s
			continue
		}
		if s.lastUsedAt.Before(victim.lastUsedAt) {
			victim = s
		} else if s.lastUsedAt.Equal(victim.lastUsedAt) && s.name < victim.name {
			victim = s
		}
	}
	return victim
}

// Loader spawns and readies a backend process for a slot; split out of
// Acquire so tests can substitute a fake loader without a real binary.
type Loader interface {
	Load(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, port int, effective options.RecipeOptions, log logging.Logger) (Runner, error)
}

// processLoader is the production Loader: spawn via backend.NewProcess,
// start it, and wait for /health.
type processLoader struct{}

func (processLoader) Load(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, port int, effective options.RecipeOptions, log logging.Logger) (Runner, error) {
	bd := backend.Descriptor{Name: desc.Name, Recipe: desc.Recipe, Location: desc.Location, MMProjPath: desc.MMProjPath}
	proc, err := backend.NewProcess(bd, mode, port, effective, log)
	if err != nil {
		return nil, err
	}
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}
	if err := proc.WaitReady(ctx, 0); err != nil {
		_ = proc.Stop(context.Background(), 0)
		return nil, err
	}
	return proc, nil
}

// DefaultLoader is the Loader Acquire falls back to when the pool was given a
// nil loader.
var DefaultLoader Loader = processLoader{}

// Acquire implements the BackendSlotPool.acquire contract of §4.4: reuse a
// matching Ready/Busy slot, evict on capacity pressure, or spawn a new one.
func (p *Pool) Acquire(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, effective options.RecipeOptions, loader Loader) (*Handle, error) {
	if loader == nil {
		loader = DefaultLoader
	}
	for {
		p.mu.Lock()
		if s, ok := p.lookupLocked(desc.Name); ok {
			switch s.state {
			case StateReady, StateBusy:
				if s.effective.Equal(effective) && s.mode == mode {
					atomic.AddInt64(&s.inFlight, 1)
					s.lastUsedAt = time.Now()
					s.state = StateBusy
					p.mu.Unlock()
					return &Handle{pool: p, slot: s}, nil
				}
				// Option or mode mismatch forces a reload: drain this slot
				// and retry from the top once it's gone.
				s.state = StateDraining
				p.mu.Unlock()
				p.drainAndRemove(s)
				continue
			case StateStarting, StateDraining:
				p.mu.Unlock()
				if err := p.waitForChange(ctx); err != nil {
					return nil, err
				}
				continue
			case StateDead:
				delete(p.slots, s.name)
				p.mu.Unlock()
				continue
			}
		}

		if p.countClassLocked(desc.Class) >= p.capacityFor(desc.Class) {
			victim := p.pickVictimLocked(desc.Class)
			if victim == nil {
				p.mu.Unlock()
				if err := p.waitForChange(ctx); err != nil {
					return nil, err
				}
				continue
			}
			victim.state = StateDraining
			p.mu.Unlock()
			p.drainAndRemove(victim)
			continue
		}

		s := newSlot(desc.Name, desc.Class, desc.Recipe, mode, effective)
		p.slots[desc.Name] = s
		p.mu.Unlock()

		port, err := p.ports.Allocate(desc.Name)
		if err != nil {
			p.failSlot(s, err)
			return nil, err
		}

		start := time.Now()
		proc, err := loader.Load(ctx, desc, mode, port, effective, p.log)
		if err != nil {
			p.ports.Release(port)
			p.metrics.ObserveLoad(desc.Name, desc.Recipe, time.Since(start), false)
			p.failSlot(s, apierrors.Wrap(apierrors.LoadFailed, err, "load model %q", desc.Name))
			return nil, apierrors.Wrap(apierrors.LoadFailed, err, "load model %q", desc.Name)
		}
		p.metrics.ObserveLoad(desc.Name, desc.Recipe, time.Since(start), true)

		p.mu.Lock()
		s.port = port
		s.process = proc
		s.state = StateBusy
		s.lastUsedAt = time.Now()
		atomic.AddInt64(&s.inFlight, 1)
		p.broadcastLocked()
		p.mu.Unlock()

		return &Handle{pool: p, slot: s}, nil
	}
}

// failSlot removes a Starting slot that never reached Ready and wakes
// waiters so they don't block on a slot that will never exist.
func (p *Pool) failSlot(s *slot, _ error) {
	p.mu.Lock()
	s.state = StateDead
	delete(p.slots, s.name)
	p.broadcastLocked()
	p.mu.Unlock()
}

// drainAndRemove stops a Draining slot's process (outside the pool lock, so
// other slots remain acquirable while this one shuts down) and removes it.
func (p *Pool) drainAndRemove(s *slot) {
	// Wait for any in-flight forwards to finish, bounded by drainGrace.
	deadline := time.Now().Add(drainGrace)
	for atomic.LoadInt64(&s.inFlight) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if s.process != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
		_ = s.process.Stop(ctx, 0)
		cancel()
	}
	if s.port != 0 {
		p.ports.Release(s.port)
	}
	p.metrics.ObserveEviction(s.name)

	p.mu.Lock()
	s.state = StateDead
	delete(p.slots, s.name)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Release decrements a handle's in-flight count and marks the slot idle
// again, waking any acquirer waiting for class capacity.
func (p *Pool) Release(h *Handle) {
	p.ReleaseWithError(h, nil)
}

// ReleaseWithError is Release plus the forward error (if any) that the
// caller's request ended with. Per §4.5's "BackendGone kills the slot"
// invariant, a forwardErr whose Kind is BackendGone takes the slot straight
// to Dead and unlinks it instead of returning it to Ready — otherwise every
// later request for the same model would be handed the same dead slot
// forever.
func (p *Pool) ReleaseWithError(h *Handle, forwardErr error) {
	s := h.slot
	if apierrors.KindFor(forwardErr) == apierrors.BackendGone {
		p.killDeadSlot(s)
		return
	}
	if atomic.AddInt64(&s.inFlight, -1) < 0 {
		atomic.StoreInt64(&s.inFlight, 0)
	}
	p.mu.Lock()
	s.lastUsedAt = time.Now()
	if s.state == StateBusy && atomic.LoadInt64(&s.inFlight) == 0 {
		s.state = StateReady
	}
	p.broadcastLocked()
	p.mu.Unlock()
}

// killDeadSlot tears down a slot whose backend has already exited: stop the
// process (a no-op if it's already gone), free its port, and remove it from
// the pool so the next Acquire for this name spawns fresh instead of reusing
// a slot that can only ever fail.
func (p *Pool) killDeadSlot(s *slot) {
	if atomic.AddInt64(&s.inFlight, -1) < 0 {
		atomic.StoreInt64(&s.inFlight, 0)
	}
	if s.process != nil {
		_ = s.process.Stop(context.Background(), 0)
	}
	if s.port != 0 {
		p.ports.Release(s.port)
	}
	p.metrics.ObserveEviction(s.name)

	p.mu.Lock()
	s.state = StateDead
	delete(p.slots, s.name)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Process returns the backend runner behind a handle, for Router to forward
// the HTTP request through.
func (h *Handle) Process() Runner { return h.slot.process }

// Unload drains and removes the named slot, or every slot if name is empty.
func (p *Pool) Unload(name string) error {
	p.mu.Lock()
	var targets []*slot
	if name == "" {
		for _, s := range p.slots {
			targets = append(targets, s)
		}
	} else if s, ok := p.slots[name]; ok {
		targets = append(targets, s)
	} else {
		p.mu.Unlock()
		return apierrors.New(apierrors.UnknownModel, "no running slot for %q", name)
	}
	for _, s := range targets {
		s.state = StateDraining
	}
	p.broadcastLocked()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			p.drainAndRemove(s)
		}(s)
	}
	wg.Wait()
	return nil
}

// InUse reports whether name currently has a live (non-Dead) slot. Satisfies
// catalog.InUseChecker, so Delete refuses to remove a model out from under a
// running backend.
func (p *Pool) InUse(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[name]
	return ok && s.state != StateDead
}

// List returns a stable, name-sorted snapshot of every live slot, for
// list_running/stats.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.slots))
	for _, s := range p.slots {
		info := Info{
			Name:       s.name,
			Class:      s.class,
			Recipe:     s.recipe,
			Port:       s.port,
			State:      s.state,
			InFlight:   atomic.LoadInt64(&s.inFlight),
			LastUsedAt: s.lastUsedAt,
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
