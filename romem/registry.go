// Package romem implements spec.md §3/§4.E: a registry of read-only
// regions — remote address spans whose current contents the attacker
// mirrors in a local snapshot, enabling snapshot-skipping writes. The
// registry is not a process-wide singleton: each hijack.Orchestrator
// owns its own, and separate orchestrators do not share regions.
package romem

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Region is a registered (remote, local) pair asserting the attacker
// knows the exact current content at remote for len(Local) bytes.
type Region struct {
	ID     uuid.UUID
	Remote uintptr
	Local  []byte
}

func (r *Region) end() uintptr { return r.Remote + uintptr(len(r.Local)) }

// overlaps reports whether [dest, dest+len) intersects the region,
// using spec.md §4.E's overlap definition: end > rStart && start < rEnd.
func (r *Region) overlaps(dest uintptr, length int) bool {
	start, end := dest, dest+uintptr(length)
	return end > r.Remote && start < r.end()
}

// Registry is an RO region table; hijack.New builds one per
// Orchestrator. Operations are short and guarded by a single mutex,
// per spec.md §5.
type Registry struct {
	mu      sync.Mutex
	regions map[uuid.UUID]*Region
	log     *logrus.Entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{regions: map[uuid.UUID]*Region{}, log: logrus.WithField("component", "romem")}
}

// CallocFunc performs an in-thread calloc(1, size); supplied by the
// caller (proxy/hijack) so this package has no dependency on the call
// dispatch machinery.
type CallocFunc func(size int) (uintptr, error)

// Create performs an in-thread calloc(1, size), registers the result
// against a zero-filled local snapshot (matching calloc's own
// zero-initialisation), and returns the new region.
func (r *Registry) Create(calloc CallocFunc, size int) (*Region, error) {
	addr, err := calloc(size)
	if err != nil {
		return nil, err
	}
	return r.Register(addr, make([]byte, size)), nil
}

// Register manually pairs an already-known-identical (remote, local)
// span; the caller asserts the buffers match.
func (r *Registry) Register(remote uintptr, local []byte) *Region {
	region := &Region{ID: uuid.New(), Remote: remote, Local: local}
	r.mu.Lock()
	r.regions[region.ID] = region
	r.mu.Unlock()
	r.log.WithField("region", region.ID).Debug("registered read-only region")
	return region
}

// Unregister removes region, reporting whether it was present.
// Does not free remote memory.
func (r *Registry) Unregister(region *Region) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regions[region.ID]; !ok {
		return false
	}
	delete(r.regions, region.ID)
	return true
}

// FindOverlap returns the first registered region whose span
// intersects [dest, dest+len), or nil.
func (r *Registry) FindOverlap(dest uintptr, length int) *Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, region := range r.regions {
		if region.overlaps(dest, length) {
			return region
		}
	}
	return nil
}

// OverlapInfo computes the write offset into [dest, dest+len), the
// length of the overlap, and the corresponding snapshot bytes.
func OverlapInfo(dest uintptr, length int, region *Region) (writeOffset, overlapLen int, snapshot []byte) {
	start := dest
	end := dest + uintptr(length)
	ovStart := start
	if region.Remote > ovStart {
		ovStart = region.Remote
	}
	ovEnd := end
	if region.end() < ovEnd {
		ovEnd = region.end()
	}
	writeOffset = int(ovStart - start)
	overlapLen = int(ovEnd - ovStart)
	snapStart := int(ovStart - region.Remote)
	snapshot = region.Local[snapStart : snapStart+overlapLen]
	return writeOffset, overlapLen, snapshot
}

// ZeroSnapshot resets a registered region's local snapshot to all
// zeros, for callers (heap.Heap.Reset) that logically clear the
// remote span without touching remote memory themselves.
func (r *Registry) ZeroSnapshot(region *Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range region.Local {
		region.Local[i] = 0
	}
}

// UpdateSnapshot copies the just-written bytes from source into the
// region's local buffer at the offset corresponding to dest, handling
// partial overlap on either side.
func (r *Registry) UpdateSnapshot(region *Region, source []byte, dest uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	writeStart := dest
	writeEnd := dest + uintptr(len(source))
	ovStart := writeStart
	if region.Remote > ovStart {
		ovStart = region.Remote
	}
	ovEnd := writeEnd
	if region.end() < ovEnd {
		ovEnd = region.end()
	}
	if ovEnd <= ovStart {
		return
	}
	srcOff := int(ovStart - writeStart)
	localOff := int(ovStart - region.Remote)
	n := int(ovEnd - ovStart)
	copy(region.Local[localOff:localOff+n], source[srcOff:srcOff+n])
}
