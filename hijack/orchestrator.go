// Package hijack implements spec.md §4.D: the orchestrator that drives
// inject (retargeting a suspended thread onto a pivot gadget, parking
// it at a sleep gadget) and threadCall (the repeatable hijack used for
// every subsequent in-thread call), plus the default dispatch hooks a
// higher layer such as heap.NThreadHeap overrides.
package hijack

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cheatron/nthread/capture"
	"github.com/cheatron/nthread/crtres"
	"github.com/cheatron/nthread/errdefs"
	"github.com/cheatron/nthread/gadget"
	"github.com/cheatron/nthread/internal/config"
	"github.com/cheatron/nthread/internal/winapi"
	"github.com/cheatron/nthread/proxy"
	"github.com/cheatron/nthread/romem"
	"github.com/cheatron/nthread/telemetry"
)

// Orchestrator wires the gadget registry, CRT resolver and RO memory
// registry together and drives inject/threadCall against a host OS
// contract (spec.md §4.D, §6).
type Orchestrator struct {
	opener  winapi.ThreadOpener
	procMem winapi.ProcessMemory

	gadgets *gadget.Registry
	crt     *crtres.Resolver
	romem   *romem.Registry

	cfg     config.Config
	metrics *telemetry.Metrics
	log     *logrus.Entry

	pid uint32
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithConfig overrides the default tunables (spec.md §9).
func WithConfig(cfg config.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithMetrics attaches a telemetry handle; nil is valid and disables
// instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProcessID sets the process ID Inject passes to the thread opener
// along with the TID, matching `NThread(processId?, ...)` in spec.md
// §6. The Windows opener opens by TID alone and does not check the
// thread against this ID.
func WithProcessID(pid uint32) Option {
	return func(o *Orchestrator) { o.pid = pid }
}

// WithManualSleepGadget bypasses discovery for the sleep gadget,
// matching `NThread(..., sleepAddress?, ...)`.
func WithManualSleepGadget(addr uintptr) Option {
	return func(o *Orchestrator) { o.gadgets.RegisterSleep(addr) }
}

// WithManualPivotGadget bypasses discovery for one pivot gadget,
// matching `NThread(..., pushretAddress?, regKey?)`.
func WithManualPivotGadget(addr uintptr, reg winapi.Register) Option {
	return func(o *Orchestrator) {
		if err := o.gadgets.RegisterPivot(addr, reg); err != nil {
			o.log.WithError(err).Warn("manual pivot gadget rejected")
		}
	}
}

// New constructs an orchestrator. scanner and asm back gadget
// discovery and CRT export resolution; opener opens native thread
// handles by TID; procMem backs the proxy's pre-inject default
// read/write delegates.
func New(scanner winapi.ModuleScanner, asm winapi.Assembler, opener winapi.ThreadOpener, procMem winapi.ProcessMemory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		opener:  opener,
		procMem: procMem,
		gadgets: gadget.New(scanner, asm),
		crt:     crtres.New(scanner),
		romem:   romem.New(),
		cfg:     config.Default(),
		log:     logrus.WithField("component", "hijack"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewProxy builds a proxy backed by this orchestrator's process
// memory, before any thread has been injected (spec.md §4.G: "at
// construction, sensible defaults cover read and write").
func (o *Orchestrator) NewProxy() *proxy.Proxy {
	return proxy.New(
		func(p *proxy.Proxy, addr uintptr, size int) ([]byte, error) {
			return o.procMem.Read(addr, size)
		},
		func(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
			return o.procMem.Write(dest, data)
		},
	)
}

// ROMemory exposes this orchestrator's own read-only region registry
// (not shared with other orchestrators), so
// callers can createReadOnlyMemory / registerReadOnlyMemory /
// unregisterReadOnlyMemory / findOverlappingRegion per spec.md §6.
func (o *Orchestrator) ROMemory() *romem.Registry { return o.romem }

// Gadgets exposes the gadget registry, so callers (the CLI's
// `gadgets list`) can trigger discovery and enumerate what was found
// without performing an injection.
func (o *Orchestrator) Gadgets() *gadget.Registry { return o.gadgets }

// Inject opens tid (passing the orchestrator's configured process ID,
// if any, to the opener) and hijacks it, per spec.md §4.D.
func (o *Orchestrator) Inject(tid uint32) (*proxy.Proxy, *capture.Thread, error) {
	sleepAddr, err := o.gadgets.PickSleep()
	if err != nil {
		return nil, nil, err
	}
	pivot, err := o.gadgets.PickPivot(nil)
	if err != nil {
		return nil, nil, err
	}

	captured, err := capture.Open(o.opener, tid, o.pid, sleepAddr, pivot.Reg)
	if err != nil {
		return nil, nil, err
	}
	p, err := o.injectCaptured(captured, pivot.Addr)
	if err != nil {
		_ = captured.Close()
		return nil, nil, err
	}
	return p, captured, nil
}

// InjectHandle hijacks an already-opened thread handle, transferring
// its ownership, matching spec.md §4.D's "adoption" path.
func (o *Orchestrator) InjectHandle(handle winapi.Thread) (*proxy.Proxy, *capture.Thread, error) {
	sleepAddr, err := o.gadgets.PickSleep()
	if err != nil {
		return nil, nil, err
	}
	pivot, err := o.gadgets.PickPivot(nil)
	if err != nil {
		return nil, nil, err
	}
	captured := capture.Adopt(handle, sleepAddr, pivot.Reg)
	p, err := o.injectCaptured(captured, pivot.Addr)
	if err != nil {
		_ = captured.Close()
		return nil, nil, err
	}
	return p, captured, nil
}

// injectCaptured performs spec.md §4.D steps 2-8 against an already
// constructed captured thread.
func (o *Orchestrator) injectCaptured(captured *capture.Thread, pivotAddr uintptr) (*proxy.Proxy, error) {
	if err := captured.Suspend(); err != nil {
		return nil, err
	}
	if err := captured.FetchContext(); err != nil {
		return nil, err
	}
	snap, err := captured.CacheSnapshot()
	if err != nil {
		return nil, err
	}
	captured.SetSavedContext(snap)

	origRip, origRsp := snap.Rip, snap.Rsp
	origReg := snap.Reg(captured.RegKey())

	stackBegin := capture.CalcStackBegin(origRsp)
	captured.SetCallRSP(uintptr(stackBegin - 8))

	if err := captured.SetRip(uint64(pivotAddr)); err != nil {
		return nil, err
	}
	if err := captured.SetRsp(stackBegin); err != nil {
		return nil, err
	}
	if err := captured.SetTargetReg(uint64(captured.SleepAddress())); err != nil {
		return nil, err
	}
	if err := captured.ApplyContext(); err != nil {
		return nil, err
	}
	if err := captured.Resume(); err != nil {
		return nil, err
	}

	res, err := captured.Wait(context.Background(), o.cfg.PollInterval, o.cfg.InjectTimeout)
	if err != nil {
		return nil, err
	}
	if res != winapi.WaitObject0 {
		return nil, errdefs.Timeout(InjectTimeout{TID: captured.TID(), Result: res})
	}

	if err := captured.FetchContext(); err != nil {
		return nil, err
	}
	captured.OverwriteSavedFields(origRip, origRsp, origReg)

	exports, err := o.crt.Resolve()
	if err != nil {
		return nil, err
	}

	p := o.NewProxy()
	p.BindCRT(crtBindTable(exports))
	o.bindHooks(p, captured)
	return p, nil
}

// crtBindTable binds every resolved CRT export, including "free" — the
// resolver's exclusion of "free" from crtres.Names() only governs
// which exports the proxy auto-binds as named methods (spec.md §4.G),
// not which exports the CRT dispatch table itself knows about. The
// default threadFree hook and Heap.Destroy both call p.CRT("free", ...)
// directly and need the address present here.
func crtBindTable(exports crtres.Exports) map[string]uintptr {
	table := map[string]uintptr{}
	for _, name := range winapi.CRTExports {
		if addr, ok := exports.ByName(name); ok {
			table[name] = addr
		}
	}
	return table
}

// bindHooks rebinds call/write/alloc/free/close to this orchestrator's
// hooks, bound to the specific captured thread (spec.md §4.D step 8).
func (o *Orchestrator) bindHooks(p *proxy.Proxy, captured *capture.Thread) {
	p.SetCaller(func(p *proxy.Proxy, target uintptr, args ...uint64) (uint64, error) {
		return o.ThreadCall(captured, target, args, o.cfg.DefaultCallTimeout)
	})
	p.SetWriter(func(p *proxy.Proxy, dest uintptr, data []byte) (int, error) {
		return o.WriteMemory(p, dest, data)
	})
	p.SetAllocer(func(p *proxy.Proxy, size int, opts proxy.AllocOpts) (uintptr, error) {
		return o.threadAlloc(p, size, opts)
	})
	p.SetFreer(func(p *proxy.Proxy, ptr uintptr) error {
		return o.threadFree(p, ptr)
	})
	p.SetCloser(func(p *proxy.Proxy, suicide *uint32) error {
		return o.threadClose(p, captured, suicide)
	})
}

// ThreadCall performs a single in-thread call (spec.md §4.D
// "threadCall"). Calls on the same captured thread are serialised via
// captured.CallMu — DESIGN.md resolves spec.md §5's open question in
// favor of an internal lock over a bare caller-discipline contract.
func (o *Orchestrator) ThreadCall(captured *capture.Thread, target uintptr, args []uint64, timeout time.Duration) (uint64, error) {
	if len(args) > 4 {
		return 0, errdefs.InvalidParameter(TooManyArgs{Requested: len(args)})
	}

	captured.CallMu.Lock()
	defer captured.CallMu.Unlock()

	if err := captured.Suspend(); err != nil {
		return 0, err
	}
	if err := captured.FetchContext(); err != nil {
		_ = captured.Resume()
		return 0, err
	}
	rip, err := captured.Rip()
	if err != nil {
		_ = captured.Resume()
		return 0, err
	}
	if rip != uint64(captured.SleepAddress()) {
		_ = captured.Resume()
		return 0, errdefs.Conflict(RipMismatch{Target: target, Expected: captured.SleepAddress(), Actual: rip})
	}

	if err := captured.SetCallArgs(args); err != nil {
		_ = captured.Resume()
		return 0, err
	}
	if err := captured.SetRip(uint64(target)); err != nil {
		_ = captured.Resume()
		return 0, err
	}
	if err := captured.SetRsp(uint64(captured.CallRSP())); err != nil {
		_ = captured.Resume()
		return 0, err
	}
	if err := captured.ApplyContext(); err != nil {
		_ = captured.Resume()
		return 0, err
	}
	if err := captured.Resume(); err != nil {
		return 0, err
	}

	o.metrics.IncCallsIssued()

	res, err := captured.Wait(context.Background(), o.cfg.PollInterval, timeout)
	if err != nil {
		return 0, err
	}
	switch res {
	case winapi.WaitObject0:
		if err := captured.FetchContext(); err != nil {
			return 0, err
		}
		return captured.Rax()
	case winapi.WaitFailed:
		return 0, errdefs.Conflict(ThreadDied{Target: target})
	default:
		o.metrics.IncCallsTimedOut()
		return 0, errdefs.Timeout(CallTimeout{Target: target, Result: res})
	}
}
