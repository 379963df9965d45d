package lvz

// csrGroup classifies a CSR index into the access-policy groups of the
// table in spec §4.2.
type csrGroup uint8

const (
	groupAlways csrGroup = iota // CRMD, PRMD, EUEN, MISC, ECFG, ERA, BADV, BADI, EENTRY
	groupTLBWindow              // TLB*, ASID, PGD*, PWC*, STLBPS, RVACFG
	groupEstat
	groupTimer
	groupTiclr
	groupReadOnly // CPUID, PRCFG{1,2,3}
	groupSaveEtc  // SAVE[0..16], LLBCTL, DMW[0..4]
	groupTrapped  // TLB-refill block, machine-error block, IMPCTL*, debug block
)

func classify(csr CSRIndex) csrGroup {
	switch {
	case csr == CSRCrmd || csr == CSRPrmd || csr == CSREuen || csr == CSRMisc ||
		csr == CSREcfg || csr == CSREra || csr == CSRBadv || csr == CSRBadi || csr == CSREentry:
		return groupAlways
	case csr == CSRTlbidx || csr == CSRTlbehi || csr == CSRTlbelo0 || csr == CSRTlbelo1 ||
		csr == CSRAsid || csr == CSRPgdl || csr == CSRPgdh || csr == CSRPgd ||
		csr == CSRPwcl || csr == CSRPwch || csr == CSRStlbps || csr == CSRRvacfg:
		return groupTLBWindow
	case csr == CSREstat:
		return groupEstat
	case csr == CSRTid || csr == CSRTcfg || csr == CSRTval || csr == CSRCntc:
		return groupTimer
	case csr == CSRTiclr:
		return groupTiclr
	case csr == CSRCpuid || csr == CSRPrcfg1 || csr == CSRPrcfg2 || csr == CSRPrcfg3:
		return groupReadOnly
	case csr >= CSRSave0 && csr <= CSRSave15:
		return groupSaveEtc
	case csr == CSRLlbctl || csr == CSRDmw0 || csr == CSRDmw1 || csr == CSRDmw2 || csr == CSRDmw3:
		return groupSaveEtc
	case csr == CSRTlbrentry || csr == CSRTlbrbadv || csr == CSRTlbrera || csr == CSRTlbrsave ||
		csr == CSRTlbrelo0 || csr == CSRTlbrelo1 || csr == CSRTlbrehi || csr == CSRTlbrprmd ||
		csr == CSRMerrctl || csr == CSRMerrinfo1 || csr == CSRMerrinfo2 || csr == CSRMerrentry ||
		csr == CSRMerrera || csr == CSRMerrsave || csr == CSRImpctl1 || csr == CSRImpctl2 || csr == CSRDbg:
		return groupTrapped
	default:
		return groupTrapped
	}
}

// guestReadAllowed/guestWriteAllowed implement the table in spec §4.2.
func (cpu *CPUState) guestReadAllowed(g csrGroup) bool {
	switch g {
	case groupAlways, groupTLBWindow, groupReadOnly, groupSaveEtc:
		return true
	case groupEstat:
		return cpu.GCFG.SITP
	case groupTimer:
		return cpu.GCFG.TITP
	default:
		return false
	}
}

func (cpu *CPUState) guestWriteAllowed(g csrGroup) bool {
	switch g {
	case groupAlways, groupTLBWindow, groupSaveEtc:
		return true
	case groupEstat:
		return cpu.GCFG.SITO
	case groupTimer:
		return cpu.GCFG.TITO
	default:
		return false
	}
}

// computedRead evaluates the three CSRs whose guest-visible value is
// synthesized rather than stored literally (spec §4.2 "for the special
// cases PGD, TVAL, CPUID").
func (cpu *CPUState) computedRead(csr CSRIndex, bank *CSRBank) (uint64, bool) {
	switch csr {
	case CSRPgd:
		if cpu.lastPageWalkHigh {
			return bank.Pgdh, true
		}
		return bank.Pgdl, true
	case CSRTval:
		return cpu.ticks, true
	case CSRCpuid:
		return uint64(cpu.ID), true
	default:
		return 0, false
	}
}

// fieldPtr locates the storage word for a CSR in the given bank. Returns
// nil for indices with no backing storage (LVZ control registers, which
// mediator.go never routes here - see Read/Write below).
func fieldPtr(bank *CSRBank, csr CSRIndex) *uint64 {
	switch csr {
	case CSRCrmd:
		return &bank.Crmd
	case CSRPrmd:
		return &bank.Prmd
	case CSREuen:
		return &bank.Euen
	case CSRMisc:
		return &bank.Misc
	case CSREcfg:
		return &bank.Ecfg
	case CSREstat:
		return &bank.Estat
	case CSREra:
		return &bank.Era
	case CSRBadv:
		return &bank.Badv
	case CSRBadi:
		return &bank.Badi
	case CSREentry:
		return &bank.Eentry
	case CSRTlbidx:
		return &bank.Tlbidx
	case CSRTlbehi:
		return &bank.Tlbehi
	case CSRTlbelo0:
		return &bank.Tlbelo0
	case CSRTlbelo1:
		return &bank.Tlbelo1
	case CSRAsid:
		return &bank.Asid
	case CSRPgdl:
		return &bank.Pgdl
	case CSRPgdh:
		return &bank.Pgdh
	case CSRPwcl:
		return &bank.Pwcl
	case CSRPwch:
		return &bank.Pwch
	case CSRStlbps:
		return &bank.Stlbps
	case CSRRvacfg:
		return &bank.Rvacfg
	case CSRPrcfg1:
		return &bank.Prcfg1
	case CSRPrcfg2:
		return &bank.Prcfg2
	case CSRPrcfg3:
		return &bank.Prcfg3
	case CSRTid:
		return &bank.Tid
	case CSRTcfg:
		return &bank.Tcfg
	case CSRCntc:
		return &bank.Cntc
	case CSRTiclr:
		return &bank.Ticlr
	case CSRLlbctl:
		return &bank.Llbctl
	case CSRImpctl1:
		return &bank.Impctl1
	case CSRImpctl2:
		return &bank.Impctl2
	case CSRTlbrentry:
		return &bank.Tlbrentry
	case CSRTlbrbadv:
		return &bank.Tlbrbadv
	case CSRTlbrera:
		return &bank.Tlbrera
	case CSRTlbrsave:
		return &bank.Tlbrsave
	case CSRTlbrelo0:
		return &bank.Tlbrelo0
	case CSRTlbrelo1:
		return &bank.Tlbrelo1
	case CSRTlbrehi:
		return &bank.Tlbrehi
	case CSRTlbrprmd:
		return &bank.Tlbrprmd
	case CSRMerrctl:
		return &bank.Merrctl
	case CSRMerrinfo1:
		return &bank.Merrinfo1
	case CSRMerrinfo2:
		return &bank.Merrinfo2
	case CSRMerrentry:
		return &bank.Merrentry
	case CSRMerrera:
		return &bank.Merrera
	case CSRMerrsave:
		return &bank.Merrsave
	case CSRDbg:
		return &bank.Dbg
	case CSRCpuid:
		return nil // computed
	default:
		if csr >= CSRSave0 && csr <= CSRSave15 {
			return &bank.Save[csr-CSRSave0]
		}
		if csr >= CSRDmw0 && csr <= CSRDmw3 {
			return &bank.Dmw[csr-CSRDmw0]
		}
		return nil
	}
}

// lvzRaw returns the raw value of one of the host-only LVZ control
// registers, none of which have a guest shadow.
func (cpu *CPUState) lvzRaw(csr CSRIndex) (uint64, bool) {
	switch csr {
	case CSRGstat:
		return cpu.GSTAT.Raw(), true
	case CSRGcfg:
		return cpu.GCFG.Raw(), true
	case CSRGintc:
		return cpu.GINTC, true
	case CSRGcntc:
		return cpu.GCNTC, true
	case CSRGtlbc:
		return cpu.GTLBC.Raw(), true
	case CSRTrgp:
		return cpu.TRGP, true
	default:
		return 0, false
	}
}

func (cpu *CPUState) setLvzRaw(csr CSRIndex, v uint64) bool {
	switch csr {
	case CSRGstat:
		cpu.GSTAT = gstatFromRaw(v)
	case CSRGcfg:
		cpu.GCFG = gcfgFromRaw(v)
	case CSRGintc:
		cpu.GINTC = v
	case CSRGcntc:
		cpu.GCNTC = v
	case CSRGtlbc:
		cpu.GTLBC = gtlbcFromRaw(v)
	case CSRTrgp:
		cpu.TRGP = v
	default:
		return false
	}
	return true
}

// Read implements the Mediator's csrrd (spec §4.2 Contract). LVZ
// control registers are host-mode-only; a guest read of one is trapped
// like any other groupTrapped CSR (they have no table entry because
// guest code has no architectural name for them).
func (cpu *CPUState) Read(csr CSRIndex) (uint64, error) {
	if !cpu.GSTAT.VM {
		if v, ok := cpu.lvzRaw(csr); ok {
			return v, nil
		}
		if v, ok := cpu.computedRead(csr, &cpu.Host); ok {
			return v, nil
		}
		if p := fieldPtr(&cpu.Host, csr); p != nil {
			return *p, nil
		}
		return 0, nil
	}

	if _, ok := cpu.lvzRaw(csr); ok {
		cpu.VMExit(ExitReasonCSRR, 0, 0, uint32(csr))
		return 0, nil
	}

	g := classify(csr)
	if !cpu.guestReadAllowed(g) {
		cpu.VMExit(ExitReasonCSRR, 0, 0, uint32(csr))
		return 0, nil
	}
	if v, ok := cpu.computedRead(csr, &cpu.Guest); ok {
		return v, nil
	}
	if p := fieldPtr(&cpu.Guest, csr); p != nil {
		return *p, nil
	}
	return 0, nil
}

// Write implements the Mediator's csrwr; returns the pre-write value.
func (cpu *CPUState) Write(csr CSRIndex, val uint64) (uint64, error) {
	if !cpu.GSTAT.VM {
		if old, ok := cpu.lvzRaw(csr); ok {
			cpu.setLvzRaw(csr, val)
			return old, nil
		}
		return cpu.rawWrite(&cpu.Host, csr, val, false)
	}

	if _, ok := cpu.lvzRaw(csr); ok {
		cpu.VMExit(ExitReasonCSRW, 0, 0, uint32(csr))
		return 0, nil
	}

	g := classify(csr)
	if !cpu.guestWriteAllowed(g) {
		cpu.VMExit(ExitReasonCSRW, 0, 0, uint32(csr))
		return 0, nil
	}
	return cpu.rawWrite(&cpu.Guest, csr, val, true)
}

func (cpu *CPUState) rawWrite(bank *CSRBank, csr CSRIndex, val uint64, guest bool) (uint64, error) {
	p := fieldPtr(bank, csr)
	if p == nil {
		return 0, nil // CPUID and unmapped indices are read-only/no-op
	}
	old := *p
	*p = val
	if csr == CSRAsid && old != val {
		cpu.onASIDChange(guest, uint16(old&maskBits(10)))
	}
	return old, nil
}

// Exchange implements csrxchg: new = (old & ~rd) | (rj & rd).
func (cpu *CPUState) Exchange(csr CSRIndex, rj, rd uint64) (uint64, error) {
	old, err := cpu.Read(csr)
	if err != nil {
		return 0, err
	}
	new := (old &^ rd) | (rj & rd)
	_, err = cpu.Write(csr, new)
	return old, err
}

// onASIDChange implements the CSR_ASID write side effect (spec §4.2):
// flush the host-side translation cache, and for the guest form, flush
// TLB entries tagged with the current guest's GID and the stale ASID.
func (cpu *CPUState) onASIDChange(guest bool, oldASID uint16) {
	if !guest {
		cpu.flushTranslationCache(^uint32(0))
		return
	}
	gid := cpu.GSTAT.GID
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if e.Enabled() && e.GID() == gid && e.ASID() == oldASID {
			e.SetEnabled(false)
		}
	}
	cpu.flushTranslationCache(^uint32(0))
}

// GCSRRead/GCSRWrite/GCSRExchange implement the guest-CSR-only forms
// (spec §6 gcsrrd/gcsrwr/gcsrxchg): legal only in guest mode, operate
// unconditionally on the guest bank bypassing the trap table (the whole
// point of the gcsr* forms is guest-side access to its own shadow state
// without going through the host trap policy), and raise IPE elsewhere
// (spec.md:177 "legal only in guest; illegal elsewhere").
func (cpu *CPUState) GCSRRead(csr CSRIndex) (uint64, error) {
	if !cpu.GSTAT.VM {
		return 0, exception(ExcIPE, 0)
	}
	if v, ok := cpu.computedRead(csr, &cpu.Guest); ok {
		return v, nil
	}
	if p := fieldPtr(&cpu.Guest, csr); p != nil {
		return *p, nil
	}
	return 0, nil
}

func (cpu *CPUState) GCSRWrite(csr CSRIndex, val uint64) (uint64, error) {
	if !cpu.GSTAT.VM {
		return 0, exception(ExcIPE, 0)
	}
	return cpu.rawWrite(&cpu.Guest, csr, val, true)
}

func (cpu *CPUState) GCSRExchange(csr CSRIndex, rj, rd uint64) (uint64, error) {
	if !cpu.GSTAT.VM {
		return 0, exception(ExcIPE, 0)
	}
	old, err := cpu.GCSRRead(csr)
	if err != nil {
		return 0, err
	}
	new := (old &^ rd) | (rj & rd)
	_, err = cpu.GCSRWrite(csr, new)
	return old, err
}
