package heap

import (
	"sync"

	"github.com/cheatron/nthread/capture"
	"github.com/cheatron/nthread/hijack"
	"github.com/cheatron/nthread/internal/config"
	"github.com/cheatron/nthread/proxy"
	"github.com/cheatron/nthread/romem"
	"github.com/cheatron/nthread/telemetry"
)

// allocEntry records how a single outstanding allocation was served,
// so Free and realloc_internal know whether to route back to a heap
// zone or to the base CRT dispatch.
type allocEntry struct {
	heap      *Heap
	size      int
	crtBacked bool
}

// heapState is the per-proxy state spec.md §4.H describes:
// active_heap, previous_heaps, allocations.
type heapState struct {
	activeHeap    *Heap
	previousHeaps []*Heap
	allocations   map[uintptr]*allocEntry
}

// NThreadHeap wraps a hijack.Orchestrator with a growable zone-backed
// allocator, falling back to the base orchestrator's CRT dispatch
// when no zone can serve a request (spec.md §4.H "NThreadHeap layer").
type NThreadHeap struct {
	orch     *hijack.Orchestrator
	roReg    *romem.Registry
	cfg      config.Config
	heapSize int
	maxSize  int
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	states map[*proxy.Proxy]*heapState
}

// Option configures an NThreadHeap at construction.
type Option func(*NThreadHeap)

// WithMetrics attaches a telemetry handle; nil disables instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(n *NThreadHeap) { n.metrics = m }
}

// WithConfig attaches the tunables New falls back to when heapSize or
// maxSize is passed as zero, and that newHeap falls back to for a
// grown heap's block sizing (spec.md §6). Defaults to config.Default()
// when not supplied.
func WithConfig(cfg config.Config) Option {
	return func(n *NThreadHeap) { n.cfg = cfg }
}

// New constructs an NThreadHeap over orch, using cfg.DefaultHeapSize
// and cfg.DefaultMaxHeapSize when zero is passed for heapSize or
// maxSize respectively, matching spec.md §6's defaults.
func New(orch *hijack.Orchestrator, heapSize, maxSize int, opts ...Option) *NThreadHeap {
	n := &NThreadHeap{
		orch:   orch,
		roReg:  orch.ROMemory(),
		cfg:    config.Default(),
		states: map[*proxy.Proxy]*heapState{},
	}
	for _, opt := range opts {
		opt(n)
	}
	if heapSize == 0 {
		heapSize = n.cfg.DefaultHeapSize
	}
	if maxSize == 0 {
		maxSize = n.cfg.DefaultMaxHeapSize
	}
	n.heapSize = heapSize
	n.maxSize = maxSize
	return n
}

// Inject hijacks tid through the base orchestrator, then rebinds
// alloc/free/close on the resulting proxy to this heap's policy.
func (n *NThreadHeap) Inject(tid uint32) (*proxy.Proxy, *capture.Thread, error) {
	p, captured, err := n.orch.Inject(tid)
	if err != nil {
		return nil, nil, err
	}
	n.wire(p, captured)
	return p, captured, nil
}

// Inspect returns the active heap and its retained predecessors for
// proxy p, for display purposes (`nthreadctl heap inspect`). Returns
// ok=false if p has no heap state (not injected through this
// NThreadHeap, or already closed).
func (n *NThreadHeap) Inspect(p *proxy.Proxy) (active *Heap, previous []*Heap, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, exists := n.states[p]
	if !exists {
		return nil, nil, false
	}
	return st.activeHeap, st.previousHeaps, true
}

func (n *NThreadHeap) wire(p *proxy.Proxy, captured *capture.Thread) {
	st := &heapState{allocations: map[uintptr]*allocEntry{}}
	n.mu.Lock()
	n.states[p] = st
	n.mu.Unlock()

	p.SetAllocer(func(p *proxy.Proxy, size int, opts proxy.AllocOpts) (uintptr, error) {
		return n.alloc(p, st, size, opts)
	})
	p.SetFreer(func(p *proxy.Proxy, ptr uintptr) error {
		return n.free(p, st, ptr)
	})
	p.SetCloser(func(p *proxy.Proxy, suicide *uint32) error {
		return n.close(p, captured, st, suicide)
	})
}

func (n *NThreadHeap) alloc(p *proxy.Proxy, st *heapState, size int, opts proxy.AllocOpts) (uintptr, error) {
	if opts.Address != nil {
		return n.reallocInternal(p, st, *opts.Address, size, opts)
	}

	addr, err := n.allocNoAddress(p, st, size, opts.ReadOnly)
	if err != nil {
		return 0, err
	}
	if opts.Fill != nil {
		fill := make([]byte, size)
		for i := range fill {
			fill[i] = *opts.Fill
		}
		if _, err := p.Write(addr, fill); err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// allocNoAddress serves a fresh allocation request from a zone,
// falling back to the base orchestrator's CRT dispatch when no zone
// can serve it even after growth.
func (n *NThreadHeap) allocNoAddress(p *proxy.Proxy, st *heapState, size int, readOnly bool) (uintptr, error) {
	addr, err := n.allocFromHeap(p, st, size, readOnly)
	if err == nil {
		return addr, nil
	}
	if _, cannotServe := err.(ErrCannotServe); !cannotServe {
		return 0, err
	}

	addr, err = n.orch.DefaultAlloc(p, size, proxy.AllocOpts{})
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	st.allocations[addr] = &allocEntry{crtBacked: true, size: size}
	n.mu.Unlock()
	n.metrics.IncCRTFallbackAllocs()
	return addr, nil
}

// allocFromHeap tries the active heap, growing it (bounded by maxSize)
// when exhausted, per spec.md §4.H.
func (n *NThreadHeap) allocFromHeap(p *proxy.Proxy, st *heapState, size int, readOnly bool) (uintptr, error) {
	if st.activeHeap == nil {
		h, err := n.newHeap(p, n.heapSize, readOnly)
		if err != nil {
			return 0, err
		}
		st.activeHeap = h
	}

	addr, err := st.activeHeap.Alloc(size, readOnly)
	if err == nil {
		n.mu.Lock()
		st.allocations[addr] = &allocEntry{heap: st.activeHeap, size: size}
		n.mu.Unlock()
		return addr, nil
	}
	if _, exhausted := err.(ErrZoneExhausted); !exhausted {
		return 0, err
	}

	if st.activeHeap.TotalSize() >= n.maxSize || size > n.maxSize {
		return 0, ErrCannotServe{Requested: size}
	}
	newSize := st.activeHeap.TotalSize() * 2
	if newSize > n.maxSize {
		newSize = n.maxSize
	}
	if size > newSize {
		return 0, ErrCannotServe{Requested: size}
	}

	st.previousHeaps = append(st.previousHeaps, st.activeHeap)
	h, err := n.newHeap(p, newSize, readOnly)
	if err != nil {
		return 0, err
	}
	st.activeHeap = h
	n.metrics.IncHeapGrowths()

	addr, err = h.Alloc(size, readOnly)
	if err != nil {
		// The ¾/¼ zone split means a request that fits newSize overall
		// can still exceed the share its zone actually receives; treat
		// that the same as "cannot serve" so the caller falls back to
		// CRT instead of propagating a raw zone-exhaustion error.
		if _, exhausted := err.(ErrZoneExhausted); exhausted {
			return 0, ErrCannotServe{Requested: size}
		}
		return 0, err
	}
	n.mu.Lock()
	st.allocations[addr] = &allocEntry{heap: h, size: size}
	n.mu.Unlock()
	return addr, nil
}

// newHeap creates a heap of totalSize whose RO zone gets the larger
// share (¾) when the triggering request is itself RO, or the smaller
// share (¼) otherwise (spec.md §4.H).
func (n *NThreadHeap) newHeap(p *proxy.Proxy, totalSize int, readOnlyShareLarger bool) (*Heap, error) {
	roSize := totalSize / 4
	if readOnlyShareLarger {
		roSize = totalSize - totalSize/4
	}
	return Create(p, n.roReg, n.cfg, totalSize, roSize)
}

func (n *NThreadHeap) free(p *proxy.Proxy, st *heapState, ptr uintptr) error {
	n.mu.Lock()
	entry, ok := st.allocations[ptr]
	if ok {
		delete(st.allocations, ptr)
	}
	n.mu.Unlock()

	if !ok || entry.crtBacked {
		return n.orch.DefaultFree(p, ptr)
	}
	return entry.heap.Free(ptr, entry.size)
}

// reallocInternal implements spec.md §4.H's realloc_internal.
func (n *NThreadHeap) reallocInternal(p *proxy.Proxy, st *heapState, address uintptr, newSize int, opts proxy.AllocOpts) (uintptr, error) {
	n.mu.Lock()
	entry, ok := st.allocations[address]
	n.mu.Unlock()

	if !ok || entry.crtBacked {
		addr, err := n.orch.DefaultAlloc(p, newSize, proxy.AllocOpts{Address: &address, Fill: opts.Fill})
		if err != nil {
			return 0, err
		}
		n.mu.Lock()
		delete(st.allocations, address)
		st.allocations[addr] = &allocEntry{crtBacked: true, size: newSize}
		n.mu.Unlock()
		return addr, nil
	}

	oldSize := entry.size
	readOnly := entry.heap.InROZone(address)
	if opts.ReadOnly {
		readOnly = true
	}

	newAddr, err := n.allocNoAddress(p, st, newSize, readOnly)
	if err != nil {
		return 0, err
	}

	copyLen := min(oldSize, newSize)
	if copyLen > 0 {
		data, err := p.Read(address, copyLen)
		if err != nil {
			return 0, err
		}
		if _, err := p.Write(newAddr, data); err != nil {
			return 0, err
		}
	}
	if newSize > oldSize && opts.Fill != nil {
		tail := make([]byte, newSize-oldSize)
		for i := range tail {
			tail[i] = *opts.Fill
		}
		if _, err := p.Write(newAddr+uintptr(copyLen), tail); err != nil {
			return 0, err
		}
	}

	if err := entry.heap.Free(address, entry.size); err != nil {
		return 0, err
	}
	n.mu.Lock()
	delete(st.allocations, address)
	n.mu.Unlock()

	return newAddr, nil
}

func (n *NThreadHeap) close(p *proxy.Proxy, captured *capture.Thread, st *heapState, suicide *uint32) error {
	for _, h := range st.previousHeaps {
		_ = h.Destroy(p)
	}
	if st.activeHeap != nil {
		_ = st.activeHeap.Destroy(p)
	}
	n.mu.Lock()
	delete(n.states, p)
	n.mu.Unlock()
	return n.orch.DefaultClose(p, captured, suicide)
}
