package faketest

// CrtHeap simulates the handful of msvcrt allocator exports this
// system calls in-thread: malloc, calloc, realloc, free, memset. It
// tracks allocation sizes so realloc can copy the overlapping prefix.
type CrtHeap struct {
	mem   *Memory
	sizes map[uintptr]int
}

func NewCrtHeap(mem *Memory) *CrtHeap {
	return &CrtHeap{mem: mem, sizes: map[uintptr]int{}}
}

func (h *CrtHeap) Malloc(size int) uintptr {
	if size == 0 {
		return 0
	}
	addr := h.mem.Bump(size)
	h.sizes[addr] = size
	return addr
}

func (h *CrtHeap) Calloc(n, size int) uintptr {
	return h.Malloc(n * size)
}

func (h *CrtHeap) Realloc(addr uintptr, newSize int) uintptr {
	if addr == 0 {
		return h.Malloc(newSize)
	}
	old := h.sizes[addr]
	next := h.Malloc(newSize)
	n := old
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		h.mem.Write(next, h.mem.Read(addr, n))
	}
	delete(h.sizes, addr)
	return next
}

func (h *CrtHeap) Free(addr uintptr) {
	delete(h.sizes, addr)
}

func (h *CrtHeap) Memset(addr uintptr, value byte, n int) {
	if n == 0 {
		return
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = value
	}
	h.mem.Write(addr, buf)
}

// Funcs returns the NativeFunc table for the CRT exports this system
// resolves, keyed by export name (to be assigned addresses by the
// caller and registered on a CPU).
func (h *CrtHeap) Funcs() map[string]NativeFunc {
	return map[string]NativeFunc{
		"malloc": func(mem *Memory, size, _, _, _ uint64) uint64 {
			return uint64(h.Malloc(int(size)))
		},
		"calloc": func(mem *Memory, n, size, _, _ uint64) uint64 {
			return uint64(h.Calloc(int(n), int(size)))
		},
		"realloc": func(mem *Memory, addr, size, _, _ uint64) uint64 {
			return uint64(h.Realloc(uintptr(addr), int(size)))
		},
		"free": func(mem *Memory, addr, _, _, _ uint64) uint64 {
			h.Free(uintptr(addr))
			return 0
		},
		"memset": func(mem *Memory, addr, value, n, _ uint64) uint64 {
			h.Memset(uintptr(addr), byte(value), int(n))
			return addr
		},
		"fopen":  func(mem *Memory, _, _, _, _ uint64) uint64 { return 0 },
		"fwrite": func(mem *Memory, _, _, _, _ uint64) uint64 { return 0 },
		"fflush": func(mem *Memory, _, _, _, _ uint64) uint64 { return 0 },
		"fclose": func(mem *Memory, _, _, _, _ uint64) uint64 { return 0 },
		"fread":  func(mem *Memory, _, _, _, _ uint64) uint64 { return 0 },
	}
}
