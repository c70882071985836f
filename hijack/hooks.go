package hijack

import (
	"github.com/cheatron/nthread/capture"
	"github.com/cheatron/nthread/errdefs"
	"github.com/cheatron/nthread/proxy"
)

// threadClose is the default close dispatch hook (spec.md §4.D): if
// suicide is provided, terminate the thread with that exit code first,
// then close the captured thread, restoring it to its pre-inject
// state if it's still alive.
func (o *Orchestrator) threadClose(p *proxy.Proxy, captured *capture.Thread, suicide *uint32) error {
	if suicide != nil {
		if err := captured.Terminate(*suicide); err != nil {
			o.log.WithError(err).Warn("threadClose: terminate failed")
		}
	}
	return captured.Close()
}

// callCRTAlloc issues an in-thread CRT call expected to return a
// non-null pointer, wrapping both call failure and a null return as
// the same AllocFailed/errdefs.Unavailable pair threadAlloc's branches
// all need.
func (o *Orchestrator) callCRTAlloc(p *proxy.Proxy, size int, name string, args ...uint64) (uintptr, error) {
	ret, err := p.CRT(name, args...)
	if err != nil {
		return 0, errdefs.Unavailable(AllocFailed{Size: size, Cause: err})
	}
	if ret == 0 {
		return 0, errdefs.Unavailable(AllocFailed{Size: size})
	}
	return uintptr(ret), nil
}

// threadAlloc is the default alloc dispatch hook (spec.md §4.D):
// realloc when opts.Address is set, otherwise malloc/calloc/malloc+
// memset depending on opts.Fill.
func (o *Orchestrator) threadAlloc(p *proxy.Proxy, size int, opts proxy.AllocOpts) (uintptr, error) {
	if opts.Address != nil {
		return o.callCRTAlloc(p, size, "realloc", uint64(*opts.Address), uint64(size))
	}

	if opts.Fill == nil {
		return o.callCRTAlloc(p, size, "malloc", uint64(size))
	}

	if *opts.Fill == 0 {
		return o.callCRTAlloc(p, size, "calloc", 1, uint64(size))
	}

	addr, err := o.callCRTAlloc(p, size, "malloc", uint64(size))
	if err != nil {
		return 0, err
	}
	if _, err := p.CRT("memset", uint64(addr), uint64(*opts.Fill), uint64(size)); err != nil {
		return 0, errdefs.Unavailable(AllocFailed{Size: size, Cause: err})
	}
	return addr, nil
}

// threadFree is the default free dispatch hook: an in-thread CRT
// free(ptr).
func (o *Orchestrator) threadFree(p *proxy.Proxy, ptr uintptr) error {
	_, err := p.CRT("free", uint64(ptr))
	return err
}

// DefaultAlloc exposes the base alloc dispatch hook for overriding
// layers (heap.NThreadHeap) to fall back to when no heap zone can
// serve a request.
func (o *Orchestrator) DefaultAlloc(p *proxy.Proxy, size int, opts proxy.AllocOpts) (uintptr, error) {
	return o.threadAlloc(p, size, opts)
}

// DefaultFree exposes the base free dispatch hook for overriding
// layers to delegate unknown or CRT-backed addresses to.
func (o *Orchestrator) DefaultFree(p *proxy.Proxy, ptr uintptr) error {
	return o.threadFree(p, ptr)
}

// DefaultClose exposes the base close dispatch hook for overriding
// layers to call after tearing down their own state.
func (o *Orchestrator) DefaultClose(p *proxy.Proxy, captured *capture.Thread, suicide *uint32) error {
	return o.threadClose(p, captured, suicide)
}
