package lvz

// Exit reasons (spec §4.4).
const (
	ExitReasonMMIO      uint32 = 1
	ExitReasonINT       uint32 = 2
	ExitReasonTIMER     uint32 = 3
	ExitReasonIOCSR     uint32 = 4
	ExitReasonCSRR      uint32 = 5
	ExitReasonCSRW      uint32 = 6
	ExitReasonCSRX      uint32 = 7
	ExitReasonHYPERCALL uint32 = 8
	ExitReasonCPUCFG    uint32 = 9
	ExitReasonTLB       uint32 = 10
	ExitReasonCACHE     uint32 = 11
)

// exccodeHVC is the architectural exception code a VM-exit is delivered
// through (spec §4.4 step 4/8): the hypervisor's fixed EENTRY is what
// every VM-exit re-enters, regardless of exit reason.
const exccodeHVC = uint32(ExcHVC)

// VMExitContext is the auxiliary record a VM-exit leaves behind for the
// hypervisor to read back via TRGP/GSTAT/guest-shadow CSRs (spec §4.4
// step 6, §6 vm_exit_context).
type VMExitContext struct {
	Reason      uint32
	GVA         uint64
	GPA         uint64
	GID         uint8
	AccessType  uint32
	IsTLBRefill bool
}

// VMExit performs the GUEST→HOST transition (spec §4.4), steps 1-8, in
// order. Precondition: GSTAT.VM must already be set; callers that reach
// here from the Translation Engine have already checked
// cpu.LVZEnabled && cpu.GSTAT.VM.
func (cpu *CPUState) VMExit(reason uint32, gva, gpa uint64, accessType uint32) {
	gid := cpu.GSTAT.GID

	// Step 1.
	cpu.GSTAT.PVM = cpu.GSTAT.VM
	cpu.GSTAT.VM = false

	// Step 2.
	cpu.Guest.Prmd = setField(cpu.Guest.Prmd, 0, 2, uint64(cpu.Host.PLV()))
	if cpu.Host.Crmd&crmdIE != 0 {
		cpu.Guest.Prmd |= prmdPIE
	} else {
		cpu.Guest.Prmd &^= prmdPIE
	}

	// Step 3.
	cpu.Guest.Era = cpu.PC

	// Step 4.
	cpu.Guest.Estat = setField(cpu.Guest.Estat, 16, 6, uint64(exccodeHVC))

	// Step 5.
	cpu.Host.Crmd &^= crmdPLV
	cpu.Host.Crmd &^= crmdIE

	// Step 6.
	cpu.ExitCtx = VMExitContext{
		Reason:      reason,
		GVA:         gva,
		GPA:         gpa,
		GID:         gid,
		AccessType:  accessType,
		IsTLBRefill: reason == ExitReasonTLB,
	}

	// Step 7: faults carrying a GPA additionally mirror it/gva into TRGP
	// and both BADV registers.
	if reason == ExitReasonMMIO || reason == ExitReasonTLB {
		cpu.TRGP = gpa
		cpu.Host.Badv = gva
		cpu.Guest.Badv = gva
	}

	// Step 8.
	cpu.raise(exccodeHVC, gva)
}

// VMEnter performs the HOST→GUEST transition (spec §4.4 vm_enter).
// Precondition: current state is HOST and LVZ is enabled; PC must
// already have been set to the guest ERA the hypervisor prepared.
func (cpu *CPUState) VMEnter() {
	cpu.GSTAT.VM = true
}

// Ertn performs the exception-return transition (spec §4.4 "Transition
// via ertn"): restores PLV/IE from the active bank's PRMD and, when the
// ertn executes in host mode (ending the trap handler of a VM-exit),
// restores GSTAT.VM from PVM.
func (cpu *CPUState) Ertn() {
	inHostMode := !cpu.GSTAT.VM
	bank := cpu.EffectiveBank()

	pplv := uint8(bank.Prmd & prmdPPLV)
	pie := bank.Prmd&prmdPIE != 0

	bank.Crmd = setField(bank.Crmd, 0, 2, uint64(pplv))
	if pie {
		bank.Crmd |= crmdIE
	} else {
		bank.Crmd &^= crmdIE
	}
	cpu.PC = bank.Era

	// Only an ertn executed in host mode can be ending a VM-exit trap; a
	// guest-mode ertn is returning from an ordinary guest exception and
	// must leave GSTAT.VM untouched (it is already the right mode).
	if inHostMode {
		cpu.GSTAT.VM = cpu.GSTAT.PVM
	}
}

// Hypercall implements `hvcl code` (spec §4.4, §6): unconditionally a
// VM-exit with reason HYPERCALL when executed in guest mode. Without LVZ
// the instruction does not exist (ExcINE); with LVZ but in host mode it
// is a guest-only instruction executed outside the guest (ExcIPE).
func (cpu *CPUState) Hypercall(code uint32) error {
	if !cpu.LVZEnabled {
		return exception(ExcINE, uint64(code))
	}
	if !cpu.GSTAT.VM {
		return exception(ExcIPE, uint64(code))
	}
	cpu.VMExit(ExitReasonHYPERCALL, cpu.PC, 0, code)
	return nil
}
