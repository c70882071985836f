package hijack

import (
	"github.com/cheatron/nthread/errdefs"
	"github.com/cheatron/nthread/proxy"
	"github.com/cheatron/nthread/romem"
)

// WriteMemory implements spec.md §4.D's memset decomposition, splitting
// around any registered read-only region overlapping [dest, dest+len)
// so the overlapping span can skip bytes that already match.
func (o *Orchestrator) WriteMemory(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	region := o.romem.FindOverlap(dest, len(data))
	if region == nil {
		return o.memsetDecompose(p, dest, data)
	}

	writeOffset, overlapLen, snapshot := romem.OverlapInfo(dest, len(data), region)

	written := 0
	if writeOffset > 0 {
		n, err := o.WriteMemory(p, dest, data[:writeOffset])
		written += n
		if err != nil {
			return written, err
		}
	}

	overlapData := data[writeOffset : writeOffset+overlapLen]
	n, err := o.snapshotSafeWrite(p, dest+uintptr(writeOffset), overlapData, snapshot)
	written += n
	if err != nil {
		return written, err
	}
	o.romem.UpdateSnapshot(region, overlapData, dest+uintptr(writeOffset))

	tailStart := writeOffset + overlapLen
	if tailStart < len(data) {
		n, err := o.WriteMemory(p, dest+uintptr(tailStart), data[tailStart:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// snapshotSafeWrite skips bytes that already equal the snapshot,
// coalesces the remaining bytes into maximal equal-valued runs, and
// issues one in-thread memset per run.
func (o *Orchestrator) snapshotSafeWrite(p *proxy.Proxy, dest uintptr, data, snapshot []byte) (int, error) {
	written := 0
	i := 0
	for i < len(data) {
		if data[i] == snapshot[i] {
			o.metrics.AddBytesSkippedRO(1)
			i++
			continue
		}
		value := data[i]
		runLen := 1
		for i+runLen < len(data) && data[i+runLen] == value && data[i+runLen] != snapshot[i+runLen] {
			runLen++
		}
		n, err := o.memsetOne(p, dest+uintptr(i), value, runLen)
		written += n
		if err != nil {
			return written, err
		}
		i += runLen
	}
	return written, nil
}

// memsetDecompose issues one in-thread memset per maximal run of
// equal bytes in data, aborting on the first memset that reports
// failure (a null return).
func (o *Orchestrator) memsetDecompose(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
	written := 0
	i := 0
	for i < len(data) {
		value := data[i]
		runLen := 1
		for i+runLen < len(data) && data[i+runLen] == value {
			runLen++
		}
		n, err := o.memsetOne(p, dest+uintptr(i), value, runLen)
		written += n
		if err != nil {
			return written, err
		}
		i += runLen
	}
	return written, nil
}

func (o *Orchestrator) memsetOne(p *proxy.Proxy, dest uintptr, value byte, runLen int) (int, error) {
	ret, err := p.CRT("memset", uint64(dest), uint64(value), uint64(runLen))
	if err != nil {
		return 0, errdefs.Unavailable(WriteFailed{Dest: dest, Cause: err})
	}
	if ret == 0 {
		return 0, errdefs.Unavailable(WriteFailed{Dest: dest})
	}
	o.metrics.AddBytesWrittenMemset(runLen)
	return runLen, nil
}

// WriteMemoryWithPointer reads size bytes from the attacker-side
// pointer srcPtr and writes them to dest via plain (non-snapshot)
// decomposition. The RO registry is deliberately not consulted: this
// path exists for callers whose source contents aren't known at
// design time (spec.md §4.D).
func (o *Orchestrator) WriteMemoryWithPointer(p *proxy.Proxy, dest, srcPtr uintptr, size int) (int, error) {
	data, err := o.procMem.Read(srcPtr, size)
	if err != nil {
		return 0, errdefs.Unavailable(WriteFailed{Dest: dest, Cause: err})
	}
	return o.memsetDecompose(p, dest, data)
}
