package lvz

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Privilege levels (CRMD.PLV / TLB entry PLV field).
const (
	PrivKernel uint8 = 0
	PrivUser   uint8 = 3
	// PrivDA is not a real privilege level; it is used as the privilege
	// index passed to Translate when the caller already knows the access
	// is direct-addressed (CRMD.DA) and wants the engine to skip the
	// privilege check entirely.
	PrivDA uint8 = 4
)

// AccessType distinguishes the three kinds of memory access the
// Translation Engine can be asked to resolve.
type AccessType uint8

const (
	AccessFetch AccessType = iota
	AccessLoad
	AccessStore
)

func (a AccessType) String() string {
	switch a {
	case AccessFetch:
		return "FETCH"
	case AccessLoad:
		return "LOAD"
	case AccessStore:
		return "STORE"
	default:
		return fmt.Sprintf("AccessType(%d)", uint8(a))
	}
}

// Architectural exception codes raised through ExceptionRaiser.
const (
	ExcADEF uint32 = iota + 1 // fetch from non-canonical/misaligned address
	ExcADEM                   // load/store from non-canonical/misaligned address
	ExcPIL                    // page invalid, load
	ExcPIS                    // page invalid, store
	ExcPIF                    // page invalid, fetch
	ExcPME                    // page modify exception (dirty bit clear on store)
	ExcPNX                    // page non-executable
	ExcPNR                    // page non-readable
	ExcPPI                    // page privilege illegal
	ExcIPE                    // instruction privilege error (guest-only op in host mode)
	ExcINE                    // instruction not exist (hvcl without LVZ)
	ExcHVC                    // hypervisor call - the architectural code used to re-enter the host on VM-exit
)

// ExceptionError is returned by the guest-CSR-only mediator forms
// (GCSRRead/GCSRWrite/GCSRExchange) and by Hypercall when they fail with
// an architectural exception rather than an internal Go error; Translate
// reports its faults as a FaultCode instead.
// It mirrors teacher-style *ExceptionError values: callers use errors.As
// to recover Cause/Tval and forward them to HandleTrap-equivalent logic
// in the surrounding decoder.
type ExceptionError struct {
	Cause uint32
	Tval  uint64
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("lvz: exception cause=%d tval=0x%x", e.Cause, e.Tval)
}

func exception(cause uint32, tval uint64) error {
	return &ExceptionError{Cause: cause, Tval: tval}
}

// ExceptionRaiser is the "raise exception" primitive the core consumes
// from the surrounding emulator (spec §1). The core never unwinds the Go
// call stack to deliver a trap to guest code; it returns an
// *ExceptionError and leaves final delivery (PRMD/ERA/ESTAT bookkeeping
// for the non-virtualized path) to the decoder.
type ExceptionRaiser interface {
	RaiseException(cause uint32, badv uint64)
}

// TranslationCacheFlusher is the "flush host-side translation cache"
// primitive (spec §1). mmuIdxMask is a bitmask of the host's internal
// mmu-idx classes to invalidate; the core does not interpret it beyond
// passing it through unchanged.
type TranslationCacheFlusher interface {
	FlushTranslationCache(mmuIdxMask uint32)
}

// GuestRandomSource is the "guest-random 32-bit value" primitive (spec
// §1), used exclusively to pick a TLB replacement victim so that tests
// can substitute a deterministic source.
type GuestRandomSource interface {
	GuestRandom32() uint32
}

// PhysicalMemory is the "load 64-bit little-endian word from host
// physical memory" primitive (spec §1), used for page-table walks during
// second-level translation lookups that must read host state (none of
// the current algorithm performs walks — it is TLB-only — but the
// collaborator is part of the contract so a future page-table-walk mode
// has somewhere to call).
type PhysicalMemory interface {
	LoadU64(addr uint64) (uint64, error)
}

// MMIOClassifier is the policy input the surrounding machine supplies so
// the second-level translator can decide whether a GPA range not
// covered by any GID=0 TLB entry should trap to the hypervisor as MMIO
// (spec §4.1 second-level translation). It is consulted only on a
// second-level TLB miss.
type MMIOClassifier func(gpa uint64) bool

// CPUState is the complete per-vCPU architectural state this core owns:
// general registers, PC, both CSR banks, LVZ control registers, the
// shared GID-tagged TLB, and the pending VM-exit context. It is created
// once per vCPU and mutated only by that vCPU's executing thread (spec
// §5); there is no synchronization inside CPUState.
type CPUState struct {
	ID uint32 // vCPU index, surfaced as CSR_CPUID

	GPR [32]uint64
	PC  uint64

	Host  CSRBank
	Guest CSRBank

	// LVZ control registers. These exist only in the host CSR space;
	// there is no guest shadow of GSTAT/GCFG/GINTC/GCNTC/GTLBC/TRGP.
	GSTAT GStat
	GCFG  GCfg
	GINTC uint64
	GCNTC uint64
	GTLBC GTlbc
	TRGP  uint64

	LVZEnabled bool

	ExitCtx VMExitContext

	TLB [TLBMax]TLBEntry

	// lastPageWalkHigh records whether the most recent CSR_PGD read
	// should resolve to PGDH (va bit 63 set) or PGDL; set by the
	// Translation Engine's TLB-miss path, mirroring how real hardware
	// steers CSR_PGD off the faulting address's sign.
	lastPageWalkHigh bool

	// ticks is a free-running counter advanced by the caller via Tick;
	// it backs the computed CSR_TVAL read.
	ticks uint64

	Raiser  ExceptionRaiser
	Flusher TranslationCacheFlusher
	Rand    GuestRandomSource
	Mem     PhysicalMemory

	ClassifyMMIO MMIOClassifier

	// Logger is the guest-error channel (spec §7 point 4). NewCPUState
	// installs a no-op logger when the caller passes nil.
	Logger *logrus.Entry
}

// NewCPUState constructs a vCPU with all CSRs at architectural reset
// defaults and every TLB entry disabled (spec §3 Lifecycle).
func NewCPUState(id uint32, raiser ExceptionRaiser, flusher TranslationCacheFlusher, rng GuestRandomSource, mem PhysicalMemory, classify MMIOClassifier, logger *logrus.Entry) *CPUState {
	if logger == nil {
		logger = defaultLogger()
	}
	cpu := &CPUState{
		ID:           id,
		Raiser:       raiser,
		Flusher:      flusher,
		Rand:         rng,
		Mem:          mem,
		ClassifyMMIO: classify,
		Logger:       logger,
	}
	cpu.Reset()
	return cpu
}

// Reset restores architectural reset state: CRMD.DA=1 (direct address
// mode, no paging) in both banks, GSTAT/GCFG/GTLBC cleared, every TLB
// entry marked disabled.
func (cpu *CPUState) Reset() {
	for i := range cpu.GPR {
		cpu.GPR[i] = 0
	}
	cpu.PC = 0

	cpu.Host = CSRBank{}
	cpu.Host.Crmd = crmdDA
	cpu.Guest = CSRBank{}
	cpu.Guest.Crmd = crmdDA

	cpu.GSTAT = GStat{}
	cpu.GCFG = GCfg{}
	cpu.GINTC = 0
	cpu.GCNTC = 0
	cpu.GTLBC = GTlbc{}
	cpu.TRGP = 0

	cpu.ExitCtx = VMExitContext{}

	for i := range cpu.TLB {
		cpu.TLB[i] = TLBEntry{}
	}

	cpu.lastPageWalkHigh = false
	cpu.ticks = 0
}

// Tick advances the free-running timer counter backing CSR_TVAL.
func (cpu *CPUState) Tick(n uint64) {
	cpu.ticks += n
}

// InGuestMode reports whether the vCPU is currently executing guest
// instructions (Invariant 1: GSTAT.VM == 1 iff guest mode).
func (cpu *CPUState) InGuestMode() bool {
	return cpu.GSTAT.VM
}

// EffectiveGID returns the GID the Translation Engine's stage-1 TLB
// search filters on: 0 in host mode, GSTAT.GID in guest mode
// (Invariant 3). This deliberately ignores GTLBC.UseTGID/TGID: that
// override only redirects which GID the *maintenance* instructions
// (tlbsrch/tlbrd/tlbwr/tlbfill/invtlb_*, see tlbops.go's
// effectiveTLBGID) tag or search against on the hypervisor's behalf, not
// which guest's mappings an in-flight guest memory access is allowed to
// hit - Translate always uses the running guest's own GID.
func (cpu *CPUState) EffectiveGID() uint8 {
	if cpu.GSTAT.VM {
		return cpu.GSTAT.GID
	}
	return 0
}

// EffectiveBank returns the CSR bank that is architecturally visible
// right now: the guest shadow bank in guest mode, the host bank
// otherwise (Invariant 4, design note "shadow register banks instead of
// inheritance").
func (cpu *CPUState) EffectiveBank() *CSRBank {
	if cpu.GSTAT.VM {
		return &cpu.Guest
	}
	return &cpu.Host
}

func (cpu *CPUState) raise(cause uint32, badv uint64) {
	if cpu.Raiser != nil {
		cpu.Raiser.RaiseException(cause, badv)
	}
}

func (cpu *CPUState) flushTranslationCache(mask uint32) {
	if cpu.Flusher != nil {
		cpu.Flusher.FlushTranslationCache(mask)
	}
}

func (cpu *CPUState) guestRandom32() uint32 {
	if cpu.Rand != nil {
		return cpu.Rand.GuestRandom32()
	}
	return 0
}
