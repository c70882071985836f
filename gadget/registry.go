// Package gadget implements spec.md §4.A: lazy, idempotent discovery
// of the two instruction sequences the hijack state machine relies on
// — a `jmp .` self-loop ("sleep") and, for each register in the
// RBX/RBP/RDI/RSI priority list, a `push <reg>; ret` sequence
// ("pivot") — and the selection policy that
// serves them to the orchestrator.
package gadget

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cheatron/nthread/errdefs"
	"github.com/cheatron/nthread/internal/winapi"
)

// Kind distinguishes a sleep gadget from a pivot gadget.
type Kind int

const (
	KindSleep Kind = iota
	KindPivot
)

// Address tags a discovered (or manually registered) gadget address
// with its kind, and for pivots, the register it pops.
type Address struct {
	Addr uintptr
	Kind Kind
	Reg  winapi.Register
}

// registerPriority is the fixed priority list spec.md §4.A specifies:
// "least likely to be holding live data at an arbitrary suspension
// point".
var registerPriority = []winapi.Register{winapi.RBX, winapi.RBP, winapi.RDI, winapi.RSI}

// Registry discovers and serves gadget addresses. Discovery runs at
// most once per Registry, behind a singleflight so concurrent first
// callers join the same scan instead of racing a second one. Each
// hijack.Orchestrator builds its own Registry, so separate
// orchestrators each run their own scan.
type Registry struct {
	scanner winapi.ModuleScanner
	asm     winapi.Assembler
	log     *logrus.Entry

	once    sync.Once
	group   singleflight.Group
	discErr error

	mu     sync.Mutex
	sleeps []uintptr
	pivots map[winapi.Register][]uintptr

	rng *rand.Rand
}

// New constructs a registry that will scan using scanner when first
// asked for a gadget.
func New(scanner winapi.ModuleScanner, asm winapi.Assembler) *Registry {
	return &Registry{
		scanner: scanner,
		asm:     asm,
		log:     logrus.WithField("component", "gadget"),
		pivots:  map[winapi.Register][]uintptr{},
		// Time-seeding is sufficient here: spec.md §4.A is explicit
		// that randomisation is a defense-in-depth measure against
		// sync-on-address races, not a security property.
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ensureDiscovered performs the one-shot scan described in spec.md
// §4.A, idempotent and safe under concurrent callers.
func (r *Registry) ensureDiscovered() error {
	r.once.Do(func() {
		_, err, _ := r.group.Do("discover", func() (any, error) {
			return nil, r.discover()
		})
		r.discErr = err
	})
	return r.discErr
}

func (r *Registry) discover() error {
	r.log.Debug("scanning for gadgets")

	sleepPattern := r.asm.JmpSelf()
	sleepAddrs, err := r.scanner.Scan(winapi.DefaultScanModules, sleepPattern)
	if err != nil {
		return errdefs.Unavailable(errors.Wrap(GadgetScanFailed{Pattern: sleepPattern, Cause: err}, "gadget: sleep scan failed"))
	}

	pivots := map[winapi.Register][]uintptr{}
	for _, reg := range registerPriority {
		pattern, err := r.asm.PushRegRet(reg)
		if err != nil {
			return errors.Wrapf(err, "gadget: encoding pivot pattern for %v", reg)
		}
		addrs, err := r.scanner.Scan(winapi.DefaultScanModules, pattern)
		if err != nil {
			return errdefs.Unavailable(errors.Wrap(GadgetScanFailed{Pattern: pattern, Cause: err}, "gadget: pivot scan failed"))
		}
		if len(addrs) > 0 {
			pivots[reg] = addrs
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, sleepAddrs...)
	for reg, addrs := range pivots {
		r.pivots[reg] = append(r.pivots[reg], addrs...)
	}
	r.log.WithFields(logrus.Fields{
		"sleep_count": len(r.sleeps),
		"pivot_regs":  len(r.pivots),
	}).Debug("gadget discovery complete")
	return nil
}

// RegisterSleep manually registers a sleep gadget address, bypassing
// discovery.
func (r *Registry) RegisterSleep(addr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, addr)
}

// RegisterPivot manually registers a pivot gadget address for reg,
// bypassing discovery.
func (r *Registry) RegisterPivot(addr uintptr, reg winapi.Register) error {
	if !isSupportedRegister(reg) {
		return errors.Errorf("gadget: register %v is not a supported general-purpose register", reg)
	}
	if addr == 0 {
		return errors.New("gadget: refusing to register a zero pivot address")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pivots[reg] = append(r.pivots[reg], addr)
	return nil
}

func isSupportedRegister(reg winapi.Register) bool {
	return reg >= winapi.RAX && reg <= winapi.R15
}

// PickSleep returns a uniformly random sleep gadget address, running
// discovery first if it has not yet happened.
func (r *Registry) PickSleep() (uintptr, error) {
	if err := r.ensureDiscovered(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sleeps) == 0 {
		return 0, errdefs.NotFound(NoSleepGadget{})
	}
	return r.sleeps[r.rng.Intn(len(r.sleeps))], nil
}

// Discovered runs discovery if it has not yet happened and returns
// every known gadget address, sleeps first, for display purposes
// (`nthreadctl gadgets list`).
func (r *Registry) Discovered() ([]Address, error) {
	if err := r.ensureDiscovered(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Address, 0, len(r.sleeps))
	for _, addr := range r.sleeps {
		out = append(out, Address{Addr: addr, Kind: KindSleep})
	}
	for _, reg := range registerPriority {
		for _, addr := range r.pivots[reg] {
			out = append(out, Address{Addr: addr, Kind: KindPivot, Reg: reg})
		}
	}
	return out, nil
}

// PickPivot returns a pivot gadget honouring an explicit register
// preference, or else the first non-empty register class in priority
// order, choosing uniformly at random within that class.
func (r *Registry) PickPivot(preferred *winapi.Register) (Address, error) {
	if err := r.ensureDiscovered(); err != nil {
		return Address{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred != nil {
		addrs := r.pivots[*preferred]
		if len(addrs) == 0 {
			return Address{}, errdefs.NotFound(NoPivotGadget{})
		}
		return Address{Addr: addrs[r.rng.Intn(len(addrs))], Kind: KindPivot, Reg: *preferred}, nil
	}

	for _, reg := range registerPriority {
		addrs := r.pivots[reg]
		if len(addrs) == 0 {
			continue
		}
		return Address{Addr: addrs[r.rng.Intn(len(addrs))], Kind: KindPivot, Reg: reg}, nil
	}
	return Address{}, errdefs.NotFound(NoPivotGadget{})
}
