package lvz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTlbsrchFindsInstalledEntry(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	vpn := uint64(0x55)
	installIdentityTLBEntry(cpu, vpn, 0, 0, 0x7, false)

	cpu.Host.Tlbehi = vpn << 13
	cpu.Tlbsrch()

	require.False(t, tlbidxNE(cpu.Host.Tlbidx))
	idx, _ := stlbIndexRange(vpn)
	require.Equal(t, idx, tlbidxIndex(cpu.Host.Tlbidx))
}

func TestTlbsrchMissSetsNE(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.Host.Tlbehi = 0x99000
	cpu.Tlbsrch()
	require.True(t, tlbidxNE(cpu.Host.Tlbidx))
}

func TestTlbrdRoundTripsThroughTlbwr(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	idx := MTLBBase + 1
	cpu.Host.Tlbidx = setTlbidxIndex(setTlbidxPS(cpu.Host.Tlbidx, 21), idx)
	cpu.Host.Tlbehi = 0x9000 << 13
	cpu.Host.Tlbelo0 = 0xaaaa
	cpu.Host.Tlbelo1 = 0xbbbb
	cpu.Host.Asid = 0x42

	cpu.Tlbwr()
	require.True(t, cpu.TLB[idx].Enabled())
	require.EqualValues(t, 0x9000, cpu.TLB[idx].VPPN())
	require.EqualValues(t, 21, cpu.TLB[idx].PS())
	require.EqualValues(t, 0x42, cpu.TLB[idx].ASID())

	// Clear the CSRs, then Tlbrd should repopulate them from the entry.
	cpu.Host.Tlbehi, cpu.Host.Tlbelo0, cpu.Host.Tlbelo1 = 0, 0, 0
	cpu.Tlbrd()
	require.EqualValues(t, 0x9000<<13, cpu.Host.Tlbehi)
	require.EqualValues(t, 0xaaaa, cpu.Host.Tlbelo0)
	require.EqualValues(t, 0xbbbb, cpu.Host.Tlbelo1)
	require.False(t, tlbidxNE(cpu.Host.Tlbidx))
}

func TestTlbwrNEMarksInvalid(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	idx := MTLBBase
	cpu.TLB[idx].SetEnabled(true)
	cpu.Host.Tlbidx = setTlbidxNE(setTlbidxIndex(cpu.Host.Tlbidx, idx), true)
	cpu.Tlbwr()
	require.False(t, cpu.TLB[idx].Enabled())
}

// TestTlbfillUsesGuestRandomCollaborator is Open Question resolution 2
// (SPEC_FULL.md): the victim index comes from GuestRandomSource, never a
// hard-coded slot.
func TestTlbfillUsesGuestRandomCollaborator(t *testing.T) {
	cpu, collab := newTestCPU(1 << 40)
	collab.randomSeq = []uint32{3}
	cpu.Host.Stlbps = 13
	cpu.Host.Tlbidx = setTlbidxPS(cpu.Host.Tlbidx, 13)
	cpu.Host.Tlbehi = 0x20 << 13
	cpu.Host.Tlbelo0 = 0x1
	cpu.Host.Tlbelo1 = 0x2

	cpu.Tlbfill()

	set := 0x20 & (STLBSets - 1)
	wantIdx := set*STLBWays + 3
	require.True(t, cpu.TLB[wantIdx].Enabled())
}

func TestTlbfillMTLBSpanWhenPSMismatchesSTLBPS(t *testing.T) {
	cpu, collab := newTestCPU(1 << 40)
	collab.randomSeq = []uint32{5}
	cpu.Host.Stlbps = 13
	cpu.Host.Tlbidx = setTlbidxPS(cpu.Host.Tlbidx, 21) // huge page: not STLBPS
	cpu.Host.Tlbehi = 0x40 << 13

	cpu.Tlbfill()
	require.True(t, cpu.TLB[MTLBBase+5].Enabled())
}

func TestTlbclrOnlyInvalidatesNonGlobalMatchingASID(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	installIdentityTLBEntry(cpu, 0x1, 0, 9, 0x1, false)
	installIdentityTLBEntry(cpu, 0x2, 0, 9, 0x2, true) // global, must survive
	cpu.Host.Asid = 9

	cpu.Tlbclr()

	idx1, _ := stlbIndexRange(0x1)
	idx2, _ := stlbIndexRange(0x2)
	require.False(t, cpu.TLB[idx1].Enabled())
	require.True(t, cpu.TLB[idx2].Enabled())
}

func TestTlbflushInvalidatesEverythingOfCurrentGID(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	installIdentityTLBEntry(cpu, 0x1, 0, 1, 0x1, false)
	installIdentityTLBEntry(cpu, 0x2, 0, 2, 0x2, true)
	installIdentityTLBEntry(cpu, 0x3, 5, 1, 0x3, false) // different GID, must survive

	cpu.Tlbflush()

	idx1, _ := stlbIndexRange(0x1)
	idx2, _ := stlbIndexRange(0x2)
	idx3, _ := stlbIndexRange(0x3)
	require.False(t, cpu.TLB[idx1].Enabled())
	require.False(t, cpu.TLB[idx2].Enabled())
	require.True(t, cpu.TLB[idx3].Enabled())
}

func TestInvtlbPageASIDOnlyMatchesNonGlobal(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	va := uint64(0x70) << 13
	installIdentityTLBEntry(cpu, 0x70, 0, 3, 0x70, false)
	idx, _ := stlbIndexRange(0x70)

	cpu.InvtlbPageASID(3, va)
	require.False(t, cpu.TLB[idx].Enabled())
}

func TestEffectiveTLBGIDHonorsTGIDOverride(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 9
	require.EqualValues(t, 9, cpu.effectiveTLBGID())

	cpu.GTLBC.UseTGID = true
	cpu.GTLBC.TGID = 2
	require.EqualValues(t, 2, cpu.effectiveTLBGID())
}
