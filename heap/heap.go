package heap

import (
	"github.com/cheatron/nthread/errdefs"
	"github.com/cheatron/nthread/internal/config"
	"github.com/cheatron/nthread/proxy"
	"github.com/cheatron/nthread/romem"
)

// Heap is a single remote block split into an RO zone (registered
// against the RO registry) and an RW zone, per spec.md §4.H.
type Heap struct {
	base      uintptr
	totalSize int
	roSize    int

	ro *zone
	rw *zone

	roRegistry *romem.Registry
	roRegion   *romem.Region
}

// Create performs a single in-thread calloc(1, totalSize), splits the
// result at roSize, and registers the RO zone against roRegistry with
// an all-zero snapshot matching calloc's own zero-initialisation.
// totalSize and roSize of zero fall back to cfg.DefaultBlockTotalSize
// and cfg.DefaultBlockROSize respectively (spec.md §6).
func Create(p *proxy.Proxy, roRegistry *romem.Registry, cfg config.Config, totalSize, roSize int) (*Heap, error) {
	if totalSize == 0 {
		totalSize = cfg.DefaultBlockTotalSize
	}
	if roSize == 0 {
		roSize = cfg.DefaultBlockROSize
	}
	ret, err := p.CRT("calloc", 1, uint64(totalSize))
	if err != nil {
		return nil, err
	}
	if ret == 0 {
		return nil, ErrCannotServe{Requested: totalSize}
	}
	base := uintptr(ret)

	h := &Heap{
		base:       base,
		totalSize:  totalSize,
		roSize:     roSize,
		ro:         newZone(roSize),
		rw:         newZone(totalSize - roSize),
		roRegistry: roRegistry,
	}
	h.roRegion = roRegistry.Register(base, make([]byte, roSize))
	return h, nil
}

// Base returns the remote address of the heap block's start.
func (h *Heap) Base() uintptr { return h.base }

// TotalSize returns the full size of the heap block, RO zone included.
func (h *Heap) TotalSize() int { return h.totalSize }

// Alloc allocates size bytes from the RO or RW zone.
func (h *Heap) Alloc(size int, readOnly bool) (uintptr, error) {
	if readOnly {
		off, err := h.ro.alloc(size)
		if err != nil {
			return 0, err
		}
		return h.base + uintptr(off), nil
	}
	off, err := h.rw.alloc(size)
	if err != nil {
		return 0, err
	}
	return h.base + uintptr(h.roSize+off), nil
}

// InROZone reports whether addr falls within this heap's RO zone.
func (h *Heap) InROZone(addr uintptr) bool {
	return addr >= h.base && addr < h.base+uintptr(h.roSize)
}

// Free returns a previously allocated span to the zone that owns
// addr, coalescing with adjacent free spans.
func (h *Heap) Free(addr uintptr, size int) error {
	if addr >= h.base && addr < h.base+uintptr(h.roSize) {
		h.ro.freeSpan(int(addr-h.base), size)
		return nil
	}
	if addr >= h.base+uintptr(h.roSize) && addr < h.base+uintptr(h.totalSize) {
		h.rw.freeSpan(int(addr-h.base-uintptr(h.roSize)), size)
		return nil
	}
	return errdefs.Forbidden(ErrForeignAddress{Addr: addr})
}

// Reset clears both zones' bump pointers and free lists, and refills
// the local RO snapshot with zeros. It does not touch remote memory.
func (h *Heap) Reset() {
	h.ro.reset()
	h.rw.reset()
	h.roRegistry.ZeroSnapshot(h.roRegion)
}

// ROStats and RWStats expose each zone's occupancy for display.
func (h *Heap) ROStats() ZoneStats { return h.ro.stats() }
func (h *Heap) RWStats() ZoneStats { return h.rw.stats() }

// Destroy unregisters the RO region, then frees the remote block.
func (h *Heap) Destroy(p *proxy.Proxy) error {
	h.roRegistry.Unregister(h.roRegion)
	_, err := p.CRT("free", uint64(h.base))
	return err
}
