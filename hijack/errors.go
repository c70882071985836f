package hijack

import (
	"fmt"

	"github.com/cheatron/nthread/internal/winapi"
)

// TooManyArgs reports an in-thread call requested with more than the
// 4 arguments the Microsoft x64 calling convention's register slots
// can carry (spec.md §4.D, §7).
type TooManyArgs struct {
	Requested int
}

func (e TooManyArgs) Error() string {
	return fmt.Sprintf("hijack: call requested with %d arguments, maximum is 4", e.Requested)
}

// RipMismatch reports that a captured thread was not parked at its
// sleep gadget when a call was about to be issued — someone else
// moved it, or inject never completed (spec.md §7).
type RipMismatch struct {
	Target   uintptr
	Expected uintptr
	Actual   uint64
}

func (e RipMismatch) Error() string {
	return fmt.Sprintf("hijack: call to %#x refused, thread not parked at sleep gadget: expected rip=%#x, got %#x", e.Target, e.Expected, e.Actual)
}

// CallTimeout reports that an in-thread call did not return to the
// sleep gadget within the configured timeout.
type CallTimeout struct {
	Target uintptr
	Result interface{}
}

func (e CallTimeout) Error() string {
	return fmt.Sprintf("hijack: call to %#x timed out (wait result %v)", e.Target, e.Result)
}

// ThreadDied reports that the captured thread exited mid-call.
type ThreadDied struct {
	Target uintptr
}

func (e ThreadDied) Error() string {
	return fmt.Sprintf("hijack: thread died during call to %#x", e.Target)
}

// WriteFailed wraps a failure writing to remote memory.
type WriteFailed struct {
	Dest  uintptr
	Cause error
}

func (e WriteFailed) Error() string {
	return fmt.Sprintf("hijack: write to %#x failed: %v", e.Dest, e.Cause)
}

func (e WriteFailed) Unwrap() error { return e.Cause }

// AllocFailed wraps a failure allocating remote memory.
type AllocFailed struct {
	Size  int
	Cause error
}

func (e AllocFailed) Error() string {
	return fmt.Sprintf("hijack: allocation of %d bytes failed: %v", e.Size, e.Cause)
}

func (e AllocFailed) Unwrap() error { return e.Cause }

// InjectTimeout reports that a freshly redirected thread never
// reached its sleep gadget during inject.
type InjectTimeout struct {
	TID    uint32
	Result winapi.WaitResult
}

func (e InjectTimeout) Error() string {
	return fmt.Sprintf("hijack: thread %d never parked at sleep gadget during inject (wait result %v)", e.TID, e.Result)
}
