// Package crtres resolves the msvcrt exports this system calls
// in-thread (spec.md §6's "CRT contract"), once per Resolver. Each
// hijack.Orchestrator builds its own Resolver, so the lookup runs once
// per orchestrator, not once per process.
package crtres

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cheatron/nthread/internal/winapi"
)

// Exports holds the resolved address of every msvcrt export this
// system uses.
type Exports struct {
	Fopen   uintptr
	Memset  uintptr
	Malloc  uintptr
	Calloc  uintptr
	Realloc uintptr
	Fwrite  uintptr
	Fflush  uintptr
	Fclose  uintptr
	Fread   uintptr
	Free    uintptr
}

// ByName returns the resolved address for a CRT export name, matching
// the set in winapi.CRTExports. Used by proxy's CRT auto-binding
// (spec.md §4.G).
func (e Exports) ByName(name string) (uintptr, bool) {
	switch name {
	case "fopen":
		return e.Fopen, true
	case "memset":
		return e.Memset, true
	case "malloc":
		return e.Malloc, true
	case "calloc":
		return e.Calloc, true
	case "realloc":
		return e.Realloc, true
	case "fwrite":
		return e.Fwrite, true
	case "fflush":
		return e.Fflush, true
	case "fclose":
		return e.Fclose, true
	case "fread":
		return e.Fread, true
	case "free":
		return e.Free, true
	default:
		return 0, false
	}
}

// Names returns every CRT export this system auto-binds, i.e. every
// export except "free" (spec.md §4.G: free is first-class, not
// auto-bound, because it participates in allocator policy).
func Names() []string {
	out := make([]string, 0, len(winapi.CRTExports)-1)
	for _, n := range winapi.CRTExports {
		if n == "free" {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Resolver resolves msvcrt exports exactly once.
type Resolver struct {
	scanner winapi.ModuleScanner
	log     *logrus.Entry

	once     sync.Once
	resolved Exports
	err      error
}

// New constructs a resolver backed by scanner.
func New(scanner winapi.ModuleScanner) *Resolver {
	return &Resolver{scanner: scanner, log: logrus.WithField("component", "crtres")}
}

// Resolve returns the resolved export table, performing the actual
// GetProcAddress calls only on the first invocation.
func (r *Resolver) Resolve() (Exports, error) {
	r.once.Do(func() {
		r.log.Debug("resolving msvcrt exports")
		var e Exports
		fields := map[string]*uintptr{
			"fopen": &e.Fopen, "memset": &e.Memset, "malloc": &e.Malloc,
			"calloc": &e.Calloc, "realloc": &e.Realloc, "fwrite": &e.Fwrite,
			"fflush": &e.Fflush, "fclose": &e.Fclose, "fread": &e.Fread, "free": &e.Free,
		}
		for _, name := range winapi.CRTExports {
			addr, err := r.scanner.GetProcAddress(winapi.ModuleMsvcrt, name)
			if err != nil {
				r.err = errors.Wrapf(err, "crtres: resolving %s", name)
				return
			}
			*fields[name] = addr
		}
		r.resolved = e
	})
	return r.resolved, r.err
}
