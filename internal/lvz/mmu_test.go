package lvz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslateBareModeIsIdentity(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	pa, prot, fault := cpu.Translate(0xdeadbeef, AccessLoad, PrivKernel)
	require.Equal(t, FaultNone, fault)
	require.Equal(t, uint64(0xdeadbeef), pa)
	require.Equal(t, ProtRead|ProtWrite|ProtExec, prot)
}

func TestTranslateRejectsNonCanonicalAddress(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.Host.Crmd |= crmdPG // leave DA set too is fine; force PG on so bare-mode shortcut is skipped
	cpu.Host.Crmd &^= crmdDA

	va := uint64(1) << 50 // above VALEN=48, not sign-extended to all-ones either
	_, _, fault := cpu.Translate(va, AccessLoad, PrivKernel)
	require.Equal(t, FaultBadAddr, fault)
}

func TestTranslateStage1Match(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.Host.Crmd &^= crmdDA
	cpu.Host.Crmd |= crmdPG

	va := uint64(0x4000)
	installIdentityTLBEntry(cpu, va>>13, 0, 0, 0x99, false)

	pa, prot, fault := cpu.Translate(va, AccessLoad, PrivKernel)
	require.Equal(t, FaultNone, fault)
	require.Equal(t, (uint64(0x99)<<13)|(va&maskBits(13)), pa)
	require.NotZero(t, prot&ProtRead)
}

// TestTranslateStage1NoMatchRecordsRefillCSRs is spec §7.1: a stage-1 miss
// latches TLBRBADV/TLBREHI/TLBRERA even when it is not also a VM-exit.
func TestTranslateStage1NoMatchRecordsRefillCSRs(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.Host.Crmd &^= crmdDA
	cpu.Host.Crmd |= crmdPG

	va := uint64(0x123000)
	_, _, fault := cpu.Translate(va, AccessLoad, PrivKernel)
	require.Equal(t, FaultNoMatch, fault)
	require.Equal(t, va, cpu.Host.Tlbrbadv)
	require.Equal(t, va&^maskBits(13), cpu.Host.Tlbrehi)
	require.EqualValues(t, 1, cpu.Host.Tlbrera&1)
}

// TestTranslateStage1MissInGuestModeAlsoVMExits covers Scenario S1: a
// guest TLB miss both records the refill CSRs and exits to the host.
func TestTranslateStage1MissInGuestModeAlsoVMExits(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.Guest.Crmd &^= crmdDA
	cpu.Guest.Crmd |= crmdPG
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 3

	_, _, fault := cpu.Translate(0x777000, AccessLoad, PrivKernel)
	require.Equal(t, FaultNoMatch, fault)
	require.False(t, cpu.GSTAT.VM, "VMExit must have cleared GSTAT.VM")
	require.Equal(t, ExitReasonTLB, cpu.ExitCtx.Reason)
}

// TestTranslateGIDFiltersStage1 is Invariant 3 / Testable Property P6: a
// guest's stage-1 search must not match a GID=0 (VMM) entry mapping the
// same VPN.
func TestTranslateGIDFiltersStage1(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.Guest.Crmd &^= crmdDA
	cpu.Guest.Crmd |= crmdPG
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 5

	va := uint64(0x8000)
	installIdentityTLBEntry(cpu, va>>13, 0, 0, 0x42, false) // GID=0 only

	_, _, fault := cpu.Translate(va, AccessLoad, PrivKernel)
	require.Equal(t, FaultNoMatch, fault, "a GID=0 entry must never satisfy a GID=5 guest's stage-1 search")
}

func TestTranslatePurityProperty(t *testing.T) {
	// Testable Property P5: Translate is a pure function of (banks, TLB,
	// va, access, plv) outside of documented fault-path side effects; a
	// repeated call against an unchanged MATCH path yields the same result.
	cpu, _ := newTestCPU(1 << 40)
	cpu.Host.Crmd &^= crmdDA
	cpu.Host.Crmd |= crmdPG
	va := uint64(0x9000)
	installIdentityTLBEntry(cpu, va>>13, 0, 0, 0x11, false)

	pa1, prot1, fault1 := cpu.Translate(va, AccessLoad, PrivKernel)
	pa2, prot2, fault2 := cpu.Translate(va, AccessLoad, PrivKernel)
	require.Equal(t, pa1, pa2)
	require.Equal(t, prot1, prot2)
	require.Equal(t, fault1, fault2)
}

func TestTranslateStoreWithoutDirtyFaults(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.Host.Crmd &^= crmdDA
	cpu.Host.Crmd |= crmdPG
	va := uint64(0xa000)
	installIdentityTLBEntry(cpu, va>>13, 0, 0, 0x22, false)
	idx, _ := stlbIndexRange(va >> 13)
	cpu.TLB[idx].even().SetD(false)
	cpu.TLB[idx].odd().SetD(false)

	_, _, fault := cpu.Translate(va, AccessStore, PrivKernel)
	require.Equal(t, FaultDirty, fault)
}

// TestTranslateSecondLevelMissNeverIdentityMaps is the frozen Open
// Question resolution (SPEC_FULL.md #1): an unclassified second-level
// miss always faults, never falls back to passthrough.
func TestTranslateSecondLevelMissNeverIdentityMaps(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40) // mmio only above 1<<40
	cpu.LVZEnabled = true
	cpu.Guest.Crmd &^= crmdDA
	cpu.Guest.Crmd |= crmdPG
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 1

	gva := uint64(0x5000)
	installIdentityTLBEntry(cpu, gva>>13, 1, 0, 0x5, false) // stage-1 resolves gva -> gpa (0x5<<13)|0x1000 = 0xb000, below mmio base, uncovered by stage-2

	_, _, fault := cpu.Translate(gva, AccessLoad, PrivKernel)
	require.Equal(t, FaultSecondLevelFault, fault)
	require.Equal(t, ExitReasonTLB, cpu.ExitCtx.Reason, "an uncovered GPA below the MMIO classifier boundary is a TLB miss, not MMIO")
}

func TestTranslateSecondLevelMissClassifiedAsMMIO(t *testing.T) {
	cpu, _ := newTestCPU(0x1000) // anything >= 0x1000 is MMIO
	cpu.LVZEnabled = true
	cpu.Guest.Crmd &^= crmdDA
	cpu.Guest.Crmd |= crmdPG
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 1

	gva := uint64(0x6000)
	installIdentityTLBEntry(cpu, gva>>13, 1, 0, 0x3, false) // gpa = 0x3<<13 = 0x6000, >= mmio base

	_, _, fault := cpu.Translate(gva, AccessLoad, PrivKernel)
	require.Equal(t, FaultSecondLevelFault, fault)
	require.Equal(t, ExitReasonMMIO, cpu.ExitCtx.Reason)
}

func TestTranslateSecondLevelHit(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.Guest.Crmd &^= crmdDA
	cpu.Guest.Crmd |= crmdPG
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 2

	gva := uint64(0x7000)
	gpa := uint64(0x10) << 13
	installIdentityTLBEntry(cpu, gva>>13, 2, 0, 0x10, false)  // stage-1: gva -> gpa
	installIdentityTLBEntry(cpu, gpa>>13, 0, 0, 0x999, false) // stage-2: gpa -> hpa, GID=0

	hpa, _, fault := cpu.Translate(gva, AccessLoad, PrivKernel)
	require.Equal(t, FaultNone, fault)
	require.Equal(t, (uint64(0x999)<<13)|(gva&maskBits(13)), hpa)
}
