// Package proxy implements spec.md §4.G: a stable, delegate-based
// façade for a captured thread, exposing read/write/call/alloc/free/
// close plus auto-bound CRT calls. Every operation is a replaceable
// function value so callers can customise memory policy without
// touching the hijack core (spec.md §9's "delegate surface vs
// inheritance").
package proxy

import (
	"sync"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// AllocOpts carries the optional fields spec.md §4.D's threadAlloc
// hook branches on.
type AllocOpts struct {
	// Address, when set, requests a realloc of an existing allocation
	// instead of a fresh one.
	Address *uintptr
	// Fill, when set, requests the allocation be filled with this
	// byte value after allocation (0 routes to calloc at the base
	// dispatch layer).
	Fill *byte
	// ReadOnly requests the allocation come from a heap's RO zone
	// (NThreadHeap only; ignored by the base CRT-backed allocator).
	ReadOnly bool
}

// ReaderFunc reads size bytes starting at addr.
type ReaderFunc func(p *Proxy, addr uintptr, size int) ([]byte, error)

// WriterFunc writes data to dest.
type WriterFunc func(p *Proxy, dest uintptr, data []byte) (int, error)

// CallerFunc performs an in-thread call to target with up to 4
// arguments, returning RAX.
type CallerFunc func(p *Proxy, target uintptr, args ...uint64) (uint64, error)

// AllocerFunc allocates size bytes, honouring opts.
type AllocerFunc func(p *Proxy, size int, opts AllocOpts) (uintptr, error)

// FreerFunc frees an allocation made through Alloc.
type FreerFunc func(p *Proxy, ptr uintptr) error

// CloserFunc tears down the proxy's underlying captured thread,
// optionally terminating it first with the given exit code.
type CloserFunc func(p *Proxy, suicide *uint32) error

// Proxy is the user-facing handle to a captured thread (or, before
// injection, a plain current-process memory accessor).
type Proxy struct {
	mu sync.Mutex

	read  ReaderFunc
	write WriterFunc
	call  CallerFunc
	alloc AllocerFunc
	free  FreerFunc
	close CloserFunc

	crt map[string]uintptr
}

// New constructs a proxy with the given default read/write delegates.
// Call/Alloc/Free/Close are unset until SetCaller/SetAllocer/SetFreer/
// SetCloser are invoked (normally done by hijack.Orchestrator.Inject).
func New(read ReaderFunc, write WriterFunc) *Proxy {
	return &Proxy{read: read, write: write}
}

func (p *Proxy) SetReader(fn ReaderFunc) { p.mu.Lock(); p.read = fn; p.mu.Unlock() }
func (p *Proxy) SetWriter(fn WriterFunc) { p.mu.Lock(); p.write = fn; p.mu.Unlock() }
func (p *Proxy) SetCaller(fn CallerFunc) { p.mu.Lock(); p.call = fn; p.mu.Unlock() }
func (p *Proxy) SetAllocer(fn AllocerFunc) { p.mu.Lock(); p.alloc = fn; p.mu.Unlock() }
func (p *Proxy) SetFreer(fn FreerFunc)     { p.mu.Lock(); p.free = fn; p.mu.Unlock() }
func (p *Proxy) SetCloser(fn CloserFunc)   { p.mu.Lock(); p.close = fn; p.mu.Unlock() }

// BindCRT installs the resolved (name -> address) table the auto-bound
// CRT method (CRT) dispatches through.
func (p *Proxy) BindCRT(exports map[string]uintptr) {
	p.mu.Lock()
	p.crt = exports
	p.mu.Unlock()
}

func (p *Proxy) snapshot() (ReaderFunc, WriterFunc, CallerFunc, AllocerFunc, FreerFunc, CloserFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read, p.write, p.call, p.alloc, p.free, p.close
}

// Read reads size bytes starting at addr.
func (p *Proxy) Read(addr uintptr, size int) ([]byte, error) {
	read, _, _, _, _, _ := p.snapshot()
	if read == nil {
		return nil, errors.New("proxy: no reader configured")
	}
	return read(p, addr, size)
}

// Write writes data to dest.
func (p *Proxy) Write(dest uintptr, data []byte) (int, error) {
	_, write, _, _, _, _ := p.snapshot()
	if write == nil {
		return 0, errors.New("proxy: no writer configured")
	}
	return write(p, dest, data)
}

// Call performs an in-thread call to target with up to 4 arguments.
func (p *Proxy) Call(target uintptr, args ...uint64) (uint64, error) {
	_, _, call, _, _, _ := p.snapshot()
	if call == nil {
		return 0, errors.New("proxy: no caller configured (inject first)")
	}
	return call(p, target, args...)
}

// Alloc allocates size bytes, honouring opts.
func (p *Proxy) Alloc(size int, opts AllocOpts) (uintptr, error) {
	_, _, _, alloc, _, _ := p.snapshot()
	if alloc == nil {
		return 0, errors.New("proxy: no allocer configured (inject first)")
	}
	return alloc(p, size, opts)
}

// Free releases an allocation made through Alloc.
func (p *Proxy) Free(ptr uintptr) error {
	_, _, _, _, free, _ := p.snapshot()
	if free == nil {
		return errors.New("proxy: no freer configured (inject first)")
	}
	return free(p, ptr)
}

// Close tears down the proxy's captured thread. If suicide is
// non-nil, the thread is terminated with that exit code first.
func (p *Proxy) Close(suicide *uint32) error {
	_, _, _, _, _, closeFn := p.snapshot()
	if closeFn == nil {
		return errors.New("proxy: no closer configured (inject first)")
	}
	return closeFn(p, suicide)
}

// AllocString encodes str, appends a null terminator (2 bytes for
// utf-16-le/ucs-2, 1 byte otherwise), allocates a remote buffer for it
// and writes it, returning the pointer (spec.md §4.G).
func (p *Proxy) AllocString(str string, encoding string, opts AllocOpts) (uintptr, error) {
	var data []byte
	switch encoding {
	case "", "utf-16-le", "ucs-2":
		for _, u := range utf16.Encode([]rune(str)) {
			data = append(data, byte(u), byte(u>>8))
		}
		data = append(data, 0, 0)
	default:
		data = append([]byte(str), 0)
	}

	ptr, err := p.Alloc(len(data), opts)
	if err != nil {
		return 0, err
	}
	if _, err := p.Write(ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}

// CRT performs an in-thread call to the named msvcrt export (any name
// bound via BindCRT; inject binds all of winapi.CRTExports, "free"
// included, and the default free hook calls CRT("free", ...)).
// This is the single table-driven entry point the auto-bound CRT
// surface in spec.md §4.G describes, rather than one generated method
// per export name.
func (p *Proxy) CRT(name string, args ...uint64) (uint64, error) {
	p.mu.Lock()
	addr, ok := p.crt[name]
	p.mu.Unlock()
	if !ok {
		return 0, errors.Errorf("proxy: unknown or unbound CRT export %q", name)
	}
	return p.Call(addr, args...)
}
