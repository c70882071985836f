package faketest

import (
	"bytes"

	"github.com/cheatron/nthread/internal/winapi"
)

// ModuleScanner is a faithful-enough fake of winapi.ModuleScanner: it
// holds a single simulated executable image per module name and
// performs the same exact byte-pattern search a real scanner would,
// without the page-protection bookkeeping.
type ModuleScanner struct {
	images map[winapi.ModuleName][]byte
	bases  map[winapi.ModuleName]uintptr
	procs  map[winapi.ModuleName]map[string]uintptr
}

func NewModuleScanner() *ModuleScanner {
	return &ModuleScanner{
		images: map[winapi.ModuleName][]byte{},
		bases:  map[winapi.ModuleName]uintptr{},
		procs:  map[winapi.ModuleName]map[string]uintptr{},
	}
}

// SetImage installs the simulated executable bytes for a module,
// based at base.
func (s *ModuleScanner) SetImage(name winapi.ModuleName, base uintptr, image []byte) {
	s.images[name] = image
	s.bases[name] = base
}

// SetProc registers a resolvable export.
func (s *ModuleScanner) SetProc(name winapi.ModuleName, proc string, addr uintptr) {
	if s.procs[name] == nil {
		s.procs[name] = map[string]uintptr{}
	}
	s.procs[name][proc] = addr
}

func (s *ModuleScanner) Scan(modules []winapi.ModuleName, pattern []byte) ([]uintptr, error) {
	var out []uintptr
	for _, m := range modules {
		img, ok := s.images[m]
		if !ok {
			continue
		}
		base := s.bases[m]
		for off := 0; off+len(pattern) <= len(img); off++ {
			if bytes.Equal(img[off:off+len(pattern)], pattern) {
				out = append(out, base+uintptr(off))
			}
		}
	}
	return out, nil
}

func (s *ModuleScanner) GetProcAddress(module winapi.ModuleName, name string) (uintptr, error) {
	addr, ok := s.procs[module][name]
	if !ok {
		return 0, errProcNotFound{module, name}
	}
	return addr, nil
}

type errProcNotFound struct {
	module winapi.ModuleName
	name   string
}

func (e errProcNotFound) Error() string {
	return "faketest: proc " + e.name + " not found in " + string(e.module)
}
