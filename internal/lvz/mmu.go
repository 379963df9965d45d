package lvz

// FaultCode enumerates the Translation Engine's non-MATCH outcomes
// (spec §4.1 Contract).
type FaultCode uint8

const (
	FaultNone FaultCode = iota
	FaultBadAddr
	FaultNoMatch
	FaultInvalid
	FaultDirty
	FaultXI
	FaultRI
	FaultPE
	FaultSecondLevelFault
)

func (f FaultCode) String() string {
	switch f {
	case FaultNone:
		return "MATCH"
	case FaultBadAddr:
		return "BADADDR"
	case FaultNoMatch:
		return "NOMATCH"
	case FaultInvalid:
		return "INVALID"
	case FaultDirty:
		return "DIRTY"
	case FaultXI:
		return "XI"
	case FaultRI:
		return "RI"
	case FaultPE:
		return "PE"
	case FaultSecondLevelFault:
		return "SECOND_LEVEL_FAULT"
	default:
		return "UNKNOWN"
	}
}

// Prot is a protection bitmask describing what a translated mapping
// permits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// VALEN is the number of implemented virtual address bits; addresses
// must be canonical with respect to it (spec §4.1 step 3).
const VALEN = 48

// dmwWindow is one Direct-Mapped Window: translates by substituting a
// physical segment tag whenever the window's privilege mask covers the
// current privilege and the window's virtual segment tag matches va's
// high bits.
type dmwWindow struct {
	raw uint64
}

const (
	dmwPLV0   = 1 << 0
	dmwPLV1   = 1 << 1
	dmwPLV2   = 1 << 2
	dmwPLV3   = 1 << 3
	dmwVSEGShift = 4
	dmwVSEGBits  = 4
	dmwPSEGShift = 60
	dmwPSEGBits  = 4
)

func (w dmwWindow) plvAllowed(plv uint8) bool {
	switch plv {
	case 0:
		return w.raw&dmwPLV0 != 0
	case 1:
		return w.raw&dmwPLV1 != 0
	case 2:
		return w.raw&dmwPLV2 != 0
	case 3:
		return w.raw&dmwPLV3 != 0
	default:
		return false
	}
}

func (w dmwWindow) vseg() uint64 { return (w.raw >> dmwVSEGShift) & maskBits(dmwVSEGBits) }
func (w dmwWindow) pseg() uint64 { return (w.raw >> dmwPSEGShift) & maskBits(dmwPSEGBits) }

// dmwSegShift is the bit offset of the VSEG/PSEG tag within a virtual
// or physical address: the top 4 bits of a 64-bit address (mirroring
// the top nibble convention real DMW windows use).
const dmwSegShift = 60

// Translate is the Translation Engine's sole entry point (spec §4.1).
// It is a pure function of (CSR bank, TLB array, va, access, plv) per
// Testable Property P5: calling it twice with no intervening state
// change yields identical results. Side effects on a second-level miss
// (populating ExitCtx) are part of the documented contract, not hidden
// mutation of the translation result itself.
func (cpu *CPUState) Translate(va uint64, access AccessType, plv uint8) (uint64, Prot, FaultCode) {
	bank := cpu.EffectiveBank()

	// Step 1: bare mode.
	if bank.DA() && !bank.PG() {
		return va, ProtRead | ProtWrite | ProtExec, FaultNone
	}

	// Step 2: Direct-Mapped Windows.
	for i := 0; i < 4; i++ {
		w := dmwWindow{raw: bank.Dmw[i]}
		if w.raw == 0 {
			continue
		}
		if plv == PrivDA {
			continue
		}
		if !w.plvAllowed(plv) {
			continue
		}
		if (va >> dmwSegShift) != w.vseg() {
			continue
		}
		pa := (w.pseg() << dmwSegShift) | (va &^ (maskBits(4) << dmwSegShift))
		return pa, ProtRead | ProtWrite | ProtExec, FaultNone
	}

	// Step 3: canonical address check.
	if !isCanonical(va, VALEN) {
		return 0, 0, FaultBadAddr
	}

	// Step 4/5/6: TLB search on the effective (stage-1) GID.
	gid := cpu.EffectiveGID()
	idx, half, ok := cpu.searchTLB(va, gid, uint16(bank.Asid&maskBits(10)))
	if !ok {
		cpu.lastPageWalkHigh = va&(1<<63) != 0
		cpu.recordTLBRefillMiss(va, bank)
		if cpu.LVZEnabled && cpu.GSTAT.VM {
			cpu.VMExit(ExitReasonTLB, va, 0, uint32(access))
		}
		return 0, 0, FaultNoMatch
	}
	entry := &cpu.TLB[idx]

	if !half.V() {
		return 0, 0, FaultInvalid
	}
	if access == AccessStore && !half.D() {
		return 0, 0, FaultDirty
	}
	if access == AccessFetch && half.NX() {
		return 0, 0, FaultXI
	}
	if access == AccessLoad && half.NR() {
		return 0, 0, FaultRI
	}
	if half.RPLV() {
		if plv != half.PLV() && plv != PrivDA {
			return 0, 0, FaultPE
		}
	} else {
		if plv > half.PLV() && plv != PrivDA {
			return 0, 0, FaultPE
		}
	}

	ps := entry.PS()
	if ps == 0 {
		cpu.guestWarn("tlb_entry_ps_zero", map[string]interface{}{"va": va, "tlb_index": idx})
	}
	pa := composePA(half.PPN(), ps, va)
	prot := ProtRead
	if half.D() {
		prot |= ProtWrite
	}
	if !half.NX() {
		prot |= ProtExec
	}

	// Step 7: second-level translation when virtualization is active.
	if cpu.LVZEnabled && cpu.GSTAT.VM {
		hpa, hprot, fault := cpu.translateSecondLevel(pa, va, access)
		if fault != FaultNone {
			return 0, 0, fault
		}
		return hpa, prot & hprot, FaultNone
	}

	return pa, prot, FaultNone
}

// composePA builds a physical address from a PPN and the original
// virtual address's page offset, at page size 2^ps (spec §4.1 step 6).
func composePA(ppn uint64, ps uint8, va uint64) uint64 {
	if ps == 0 {
		// PS=0 sentinel: effective page size is 1 byte (spec §4.1 B-case);
		// logged by the caller, not here - the engine itself must not fault.
		return ppn
	}
	offsetMask := (uint64(1) << ps) - 1
	return (ppn << ps) | (va & offsetMask)
}

func isCanonical(va uint64, valen int) bool {
	top := va >> uint(valen)
	return top == 0 || top == (^uint64(0)>>uint(valen))
}

// searchTLB performs the TLB lookup described in spec §4.1 step 4: scan
// the STLB set the low bits of va hash to, then the MTLB, keeping only
// entries whose GID matches gid exactly (Invariant 3) and whose ASID
// matches or whose global bit is set.
func (cpu *CPUState) searchTLB(va uint64, gid uint8, asid uint16) (int, pageHalf, bool) {
	vpn := va >> 13
	start, end := stlbIndexRange(vpn)

	for i := start; i < end; i++ {
		if idx, half, ok := cpu.matchEntry(i, va, gid, asid); ok {
			return idx, half, true
		}
	}
	for i := MTLBBase; i < TLBMax; i++ {
		if idx, half, ok := cpu.matchEntry(i, va, gid, asid); ok {
			return idx, half, true
		}
	}
	return 0, pageHalf{}, false
}

func (cpu *CPUState) matchEntry(i int, va uint64, gid uint8, asid uint16) (int, pageHalf, bool) {
	e := &cpu.TLB[i]
	if !e.Enabled() {
		return 0, pageHalf{}, false
	}
	if e.GID() != gid {
		return 0, pageHalf{}, false
	}
	if !vpnMatches(e, va) {
		return 0, pageHalf{}, false
	}
	half := e.Half(parityBit(e, va))
	if e.ASID() != asid && !half.G() {
		return 0, pageHalf{}, false
	}
	return i, half, true
}

// vpnMatches compares va's VPPN bits against the entry's stored VPPN,
// ignoring the one bit that selects the even/odd half (spec §4.1 "Tie
// breaks": "When both even and odd halves could match... select by
// va & (1 << PS)").
func vpnMatches(e *TLBEntry, va uint64) bool {
	ps := e.PS()
	parity := parityBitIndex(ps)
	mask := ^(uint64(1) << uint(parity))
	return ((va >> 13) & mask) == (e.VPPN() & mask)
}

// recordTLBRefillMiss latches the TLB-refill CSRs a stage-1 NOMATCH must
// leave set so the refill handler (guest's or host's) knows what to walk
// (spec §7.1). ISTLBR is modeled as bit 0 of Tlbrera; the exception
// delivery layer outside this core is responsible for OR-ing in the
// return PC above it.
func (cpu *CPUState) recordTLBRefillMiss(va uint64, bank *CSRBank) {
	bank.Tlbrbadv = va
	bank.Tlbrehi = va &^ maskBits(13)
	bank.Tlbrera |= 1
}

func parityBitIndex(ps uint8) int {
	if ps < 13 {
		// PS=0 sentinel and other sub-granularity values: logged, not
		// faulted (spec §8 B-case); clamp so the shift stays in range.
		return 0
	}
	idx := int(ps) - 13
	if idx > 34 {
		idx = 34
	}
	return idx
}

func parityBit(e *TLBEntry, va uint64) uint8 {
	ps := e.PS()
	if ps == 0 {
		return uint8(va & 1)
	}
	return uint8((va >> ps) & 1)
}

// translateSecondLevel resolves a GPA to an HPA via the GID=0 (VMM)
// slice of the TLB. On miss it consults the MMIO classifier collaborator
// and, per the Open Question resolution in SPEC_FULL.md, NEVER falls
// back to identity mapping: an unclassified miss is a fault like any
// other, not a silent passthrough.
func (cpu *CPUState) translateSecondLevel(gpa, gva uint64, access AccessType) (uint64, Prot, FaultCode) {
	idx, half, ok := cpu.matchSecondLevel(gpa)
	if !ok {
		reason := ExitReasonTLB
		if cpu.ClassifyMMIO != nil && cpu.ClassifyMMIO(gpa) {
			reason = ExitReasonMMIO
		}
		cpu.VMExit(reason, gva, gpa, uint32(access))
		return 0, 0, FaultSecondLevelFault
	}
	entry := &cpu.TLB[idx]
	if !half.V() {
		cpu.VMExit(ExitReasonTLB, gva, gpa, uint32(access))
		return 0, 0, FaultSecondLevelFault
	}
	ps := entry.PS()
	if ps == 0 {
		cpu.guestWarn("tlb_entry_ps_zero_second_level", map[string]interface{}{"gpa": gpa, "tlb_index": idx})
	}
	hpa := composePA(half.PPN(), ps, gpa)
	prot := ProtRead
	if half.D() {
		prot |= ProtWrite
	}
	if !half.NX() {
		prot |= ProtExec
	}
	return hpa, prot, FaultNone
}

func (cpu *CPUState) matchSecondLevel(gpa uint64) (int, pageHalf, bool) {
	vpn := gpa >> 13
	start, end := stlbIndexRange(vpn)
	for i := start; i < end; i++ {
		e := &cpu.TLB[i]
		if !e.Enabled() || e.GID() != 0 {
			continue
		}
		if !vpnMatches(e, gpa) {
			continue
		}
		return i, e.Half(parityBit(e, gpa)), true
	}
	for i := MTLBBase; i < TLBMax; i++ {
		e := &cpu.TLB[i]
		if !e.Enabled() || e.GID() != 0 {
			continue
		}
		if !vpnMatches(e, gpa) {
			continue
		}
		return i, e.Half(parityBit(e, gpa)), true
	}
	return 0, pageHalf{}, false
}
