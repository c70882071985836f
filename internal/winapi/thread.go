package winapi

// WaitResult mirrors the three outcomes spec.md §6 requires of
// Thread.wait: Object0 (signaled/reached), Timeout, Failed.
type WaitResult int

const (
	WaitObject0 WaitResult = iota
	WaitTimeout
	WaitFailed
)

func (w WaitResult) String() string {
	switch w {
	case WaitObject0:
		return "object0"
	case WaitTimeout:
		return "timeout"
	case WaitFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Thread is the host OS contract spec.md §6 requires of a native
// thread handle: suspend/resume, get/set context, wait, terminate,
// close. Opening is ThreadOpener's job; no create is provided.
// Implementations must be safe to drive from a
// polling loop that calls GetContext repeatedly.
type Thread interface {
	// TID returns the thread's OS identifier.
	TID() uint32

	// Suspend increments the thread's suspend count. Returns an error
	// if the underlying primitive reports failure; callers must not
	// treat a failed call as having incremented the count.
	Suspend() error

	// Resume decrements the thread's suspend count.
	Resume() error

	// GetContext reads the hardware register state selected by flags.
	GetContext(flags ContextFlags) (*Context, error)

	// SetContext writes ctx's register state to hardware. ctx.Flags
	// selects which register classes are applied.
	SetContext(ctx *Context) error

	// Wait blocks until the thread signals (exits) or timeoutMS
	// elapses. A timeoutMS of 0 probes without blocking.
	Wait(timeoutMS uint32) (WaitResult, error)

	// Terminate forces the thread to exit with the given code.
	Terminate(exitCode uint32) error

	// IsValid reports whether the handle still refers to a live
	// thread.
	IsValid() bool

	// GetExitCode returns the thread's exit code and whether the
	// thread has actually exited (a still-running thread reports
	// STILL_ACTIVE, surfaced here as exited=false).
	GetExitCode() (code uint32, exited bool, err error)

	// Close releases the OS handle. Idempotent.
	Close() error
}

// ThreadOpener opens or adopts native thread handles, satisfying
// spec.md §6's `Thread::open(tid, pid?)`.
type ThreadOpener interface {
	// Open acquires a handle to an existing thread by TID. pid is the
	// caller's process ID (0 when none was given); the Windows opener
	// opens by TID alone and does not check the thread against pid.
	Open(tid uint32, pid uint32) (Thread, error)
}
