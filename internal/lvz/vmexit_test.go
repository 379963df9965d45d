package lvz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVMExitTransitionsVMAndSavesState(t *testing.T) {
	cpu, collab := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 6
	cpu.PC = 0x4000
	cpu.Host.Crmd = setField(cpu.Host.Crmd, 0, 2, 1) // host PLV=1
	cpu.Host.Crmd |= crmdIE

	cpu.VMExit(ExitReasonMMIO, 0x9000, 0x9000000, uint32(AccessStore))

	require.False(t, cpu.GSTAT.VM)
	require.True(t, cpu.GSTAT.PVM, "PVM must record that we were in guest mode before the exit")
	require.EqualValues(t, 0x4000, cpu.Guest.Era)
	require.EqualValues(t, 1, cpu.Guest.Prmd&0x3, "guest PRMD.PPLV must capture the host PLV about to run")
	require.NotZero(t, cpu.Guest.Prmd&prmdPIE)
	require.Zero(t, cpu.Host.Crmd&crmdPLV, "host CRMD.PLV must be forced to 0 (kernel) on VM-exit")
	require.Zero(t, cpu.Host.Crmd&crmdIE, "host CRMD.IE must be cleared on VM-exit")
	require.Equal(t, ExitReasonMMIO, cpu.ExitCtx.Reason)
	require.EqualValues(t, 6, cpu.ExitCtx.GID)
	require.EqualValues(t, 0x9000000, cpu.TRGP)
	require.EqualValues(t, 0x9000, cpu.Host.Badv)
	require.EqualValues(t, 0x9000, cpu.Guest.Badv)

	require.Len(t, collab.exceptions, 1)
	require.Equal(t, exccodeHVC, collab.exceptions[0].cause)
}

func TestVMExitNonGPAReasonsDoNotTouchTRGP(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.GSTAT.VM = true
	cpu.TRGP = 0x1234
	cpu.VMExit(ExitReasonHYPERCALL, 0, 0, 0)
	require.EqualValues(t, 0x1234, cpu.TRGP, "only MMIO/TLB exits populate TRGP")
}

func TestVMEnterSetsVM(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.VMEnter()
	require.True(t, cpu.GSTAT.VM)
}

// TestErtnRestoresPriorModeFromPVM exercises the ertn leg of spec §4.4's
// state machine: returning from the host trap handler that served a
// VM-exit must re-enter guest mode, restoring PLV/IE from PRMD.
func TestErtnRestoresPriorModeFromPVM(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.GSTAT.VM = true
	cpu.PC = 0x8000
	cpu.Host.Crmd = setField(cpu.Host.Crmd, 0, 2, 0)

	cpu.VMExit(ExitReasonTIMER, 0, 0, 0)
	require.False(t, cpu.GSTAT.VM)

	cpu.Host.Era = 0x1000 // hypervisor's handler prepares its own return address
	cpu.Ertn()
	require.True(t, cpu.GSTAT.VM, "ertn from the host handler must restore guest mode via PVM")
	require.EqualValues(t, 0x1000, cpu.PC)
}

func TestHypercallOutsideGuestModeIsIllegal(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	err := cpu.Hypercall(5)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	require.Equal(t, ExcINE, exc.Cause)
}

func TestHypercallInGuestModeVMExits(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.GSTAT.VM = true
	err := cpu.Hypercall(7)
	require.NoError(t, err)
	require.False(t, cpu.GSTAT.VM)
	require.Equal(t, ExitReasonHYPERCALL, cpu.ExitCtx.Reason)
	require.EqualValues(t, 7, cpu.ExitCtx.AccessType)
}
