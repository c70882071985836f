// Package heap implements spec.md §4.H: a zone-partitioned bump/free-
// list allocator over a single remote block, and the NThreadHeap
// policy layer (growth, CRT fallback, realloc) wrapping it.
package heap

import "sort"

// freeSpan is a single returned block, offsets relative to the zone's
// own start.
type freeSpan struct {
	offset, size int
}

// zone is a bump-allocated region with a sorted, coalescing free list,
// matching spec.md §4.H's "first-fit on the free list, falling back to
// bumping" policy. Offsets are zone-relative; the owning heap maps
// them to absolute remote addresses.
type zone struct {
	size int
	bump int
	free []freeSpan
}

func newZone(size int) *zone {
	return &zone{size: size}
}

// alloc returns the zone-relative offset of a size-byte block.
func (z *zone) alloc(size int) (int, error) {
	for i, span := range z.free {
		if span.size < size {
			continue
		}
		offset := span.offset
		if span.size == size {
			z.free = append(z.free[:i], z.free[i+1:]...)
		} else {
			z.free[i] = freeSpan{offset: span.offset + size, size: span.size - size}
		}
		return offset, nil
	}
	if z.bump+size <= z.size {
		offset := z.bump
		z.bump += size
		return offset, nil
	}
	return 0, ErrZoneExhausted{Requested: size}
}

// freeSpan returns a previously allocated zone-relative span, coalescing
// it with any immediately adjacent free spans.
func (z *zone) freeSpan(offset, size int) {
	idx := sort.Search(len(z.free), func(i int) bool { return z.free[i].offset >= offset })
	z.free = append(z.free, freeSpan{})
	copy(z.free[idx+1:], z.free[idx:])
	z.free[idx] = freeSpan{offset: offset, size: size}

	if idx+1 < len(z.free) && z.free[idx].offset+z.free[idx].size == z.free[idx+1].offset {
		z.free[idx].size += z.free[idx+1].size
		z.free = append(z.free[:idx+1], z.free[idx+2:]...)
	}
	if idx > 0 && z.free[idx-1].offset+z.free[idx-1].size == z.free[idx].offset {
		z.free[idx-1].size += z.free[idx].size
		z.free = append(z.free[:idx], z.free[idx+1:]...)
	}
}

// reset clears the bump pointer and free list.
func (z *zone) reset() {
	z.bump = 0
	z.free = nil
}

// ZoneStats summarizes a zone's occupancy for display (`nthreadctl
// heap inspect`).
type ZoneStats struct {
	Size        int
	BumpOffset  int
	FreeBytes   int
	FreeEntries int
}

func (z *zone) stats() ZoneStats {
	var freeBytes int
	for _, span := range z.free {
		freeBytes += span.size
	}
	return ZoneStats{
		Size:        z.size,
		BumpOffset:  z.bump,
		FreeBytes:   freeBytes,
		FreeEntries: len(z.free),
	}
}
