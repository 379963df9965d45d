package lvz

// Tlbidx bit layout: {INDEX:bits needed for TLB_MAX, PS:6 at bit 24, NE:1 at bit 31}.
const (
	tlbidxPSShift = 24
	tlbidxPSBits  = 6
	tlbidxNEShift = 31
)

func tlbidxIndex(v uint64) int { return int(v & maskBits(12)) }
func tlbidxPS(v uint64) uint8  { return uint8((v >> tlbidxPSShift) & maskBits(tlbidxPSBits)) }
func tlbidxNE(v uint64) bool   { return v&(1<<tlbidxNEShift) != 0 }

func setTlbidxIndex(v uint64, idx int) uint64 { return setField(v, 0, 12, uint64(idx)) }
func setTlbidxPS(v uint64, ps uint8) uint64 {
	return setField(v, tlbidxPSShift, tlbidxPSBits, uint64(ps))
}
func setTlbidxNE(v uint64, ne bool) uint64 { return setField(v, tlbidxNEShift, 1, boolToU64(ne)) }

// Tlbehi holds the VPPN an instruction helper is searching/filling for,
// in the same bit position as TLBEntry.Misc's VPPN field.
func tlbehiVPPN(v uint64) uint64 { return (v >> 13) & maskBits(miscVPPNBits) }

// effectiveTLBGID returns the GID a TLB helper should tag/filter entries
// with: GTLBC.TGID when GTLBC.UseTGID is set, GSTAT.GID/0 otherwise
// (spec §4.3 "operate via the effective CSR bank").
func (cpu *CPUState) effectiveTLBGID() uint8 {
	if cpu.GTLBC.UseTGID {
		return cpu.GTLBC.TGID
	}
	return cpu.EffectiveGID()
}

// Tlbsrch implements tlbsrch (spec §4.3): search by effective TLBEHI at
// the effective page size, write the hit index or set NE.
func (cpu *CPUState) Tlbsrch() {
	bank := cpu.EffectiveBank()
	gid := cpu.effectiveTLBGID()
	vpn := tlbehiVPPN(bank.Tlbehi)
	asid := uint16(bank.Asid & maskBits(10))

	start, end := stlbIndexRange(vpn)
	for i := start; i < end; i++ {
		if idx, ok := cpu.tlbHelperMatch(i, vpn, gid, asid); ok {
			bank.Tlbidx = setTlbidxNE(setTlbidxIndex(bank.Tlbidx, idx), false)
			return
		}
	}
	for i := MTLBBase; i < TLBMax; i++ {
		if idx, ok := cpu.tlbHelperMatch(i, vpn, gid, asid); ok {
			bank.Tlbidx = setTlbidxNE(setTlbidxIndex(bank.Tlbidx, idx), false)
			return
		}
	}
	bank.Tlbidx = setTlbidxNE(bank.Tlbidx, true)
}

func (cpu *CPUState) tlbHelperMatch(i int, vpn uint64, gid uint8, asid uint16) (int, bool) {
	e := &cpu.TLB[i]
	if !e.Enabled() || e.GID() != gid {
		return 0, false
	}
	mask := ^(uint64(1) << uint(parityBitIndex(e.PS())))
	if (vpn & mask) != (e.VPPN() & mask) {
		return 0, false
	}
	if e.ASID() != asid {
		half0, half1 := e.even(), e.odd()
		if !half0.G() && !half1.G() {
			return 0, false
		}
	}
	return i, true
}

// Tlbrd implements tlbrd: read the entry at the effective TLBIDX.INDEX
// into the effective CSRs, or clear output and set NE on miss.
func (cpu *CPUState) Tlbrd() {
	bank := cpu.EffectiveBank()
	idx := tlbidxIndex(bank.Tlbidx)
	gid := cpu.effectiveTLBGID()

	if idx < 0 || idx >= TLBMax {
		bank.Tlbidx = setTlbidxNE(bank.Tlbidx, true)
		return
	}
	e := &cpu.TLB[idx]
	if !e.Enabled() || e.GID() != gid {
		bank.Tlbehi = 0
		bank.Tlbelo0 = 0
		bank.Tlbelo1 = 0
		bank.Tlbidx = setTlbidxNE(bank.Tlbidx, true)
		return
	}

	bank.Tlbehi = e.VPPN() << 13
	bank.Tlbelo0 = e.Entry0
	bank.Tlbelo1 = e.Entry1
	bank.Asid = setField(bank.Asid, 0, 10, uint64(e.ASID()))
	bank.Tlbidx = setTlbidxNE(setTlbidxPS(bank.Tlbidx, e.PS()), false)
}

// Tlbwr implements tlbwr: invalidate the entry at the effective
// TLBIDX.INDEX, flush the host-side cache for it, and refill from the
// effective TLBEHI/TLBELO0/1/ASID/TLBIDX.PS - or mark it invalid if NE
// is set.
func (cpu *CPUState) Tlbwr() {
	bank := cpu.EffectiveBank()
	idx := tlbidxIndex(bank.Tlbidx)
	if idx < 0 || idx >= TLBMax {
		return
	}
	cpu.fillEntry(idx, bank)
}

// Tlbfill implements tlbfill: pick a random victim (STLB set+way when
// TLBIDX.PS == STLBPS, else a random MTLB slot) via the guest-random
// collaborator, then fill as tlbwr does.
func (cpu *CPUState) Tlbfill() {
	bank := cpu.EffectiveBank()
	ps := tlbidxPS(bank.Tlbidx)
	r := cpu.guestRandom32()

	var idx int
	if ps == uint8(bank.Stlbps&maskBits(6)) {
		vpn := tlbehiVPPN(bank.Tlbehi)
		set := int(vpn & uint64(STLBSets-1))
		way := int(r % STLBWays)
		idx = set*STLBWays + way
	} else {
		span := TLBMax - MTLBBase
		idx = MTLBBase + int(r%uint32(span))
	}
	cpu.fillEntry(idx, bank)
}

func (cpu *CPUState) fillEntry(idx int, bank *CSRBank) {
	e := &cpu.TLB[idx]
	e.SetEnabled(false)
	cpu.flushTranslationCache(^uint32(0))

	if tlbidxNE(bank.Tlbidx) {
		return
	}

	e.SetVPPN(tlbehiVPPN(bank.Tlbehi))
	e.SetASID(uint16(bank.Asid & maskBits(10)))
	e.SetPS(tlbidxPS(bank.Tlbidx))
	e.SetGID(cpu.effectiveTLBGID())
	e.Entry0 = bank.Tlbelo0
	e.Entry1 = bank.Tlbelo1
	e.SetEnabled(true)
}

// Tlbclr implements tlbclr: invalidate non-global entries of the current
// GID whose ASID equals the effective ASID.
func (cpu *CPUState) Tlbclr() {
	bank := cpu.EffectiveBank()
	gid := cpu.effectiveTLBGID()
	asid := uint16(bank.Asid & maskBits(10))
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if !e.Enabled() || e.GID() != gid || e.ASID() != asid {
			continue
		}
		if e.even().G() || e.odd().G() {
			continue
		}
		e.SetEnabled(false)
	}
	cpu.flushTranslationCache(^uint32(0))
}

// Tlbflush implements tlbflush: invalidate every entry of the current
// GID, global or not.
func (cpu *CPUState) Tlbflush() {
	gid := cpu.effectiveTLBGID()
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if e.Enabled() && e.GID() == gid {
			e.SetEnabled(false)
		}
	}
	cpu.flushTranslationCache(^uint32(0))
}

// InvtlbAll invalidates every entry of the current GID (spec §4.3 invtlb_all).
func (cpu *CPUState) InvtlbAll() {
	cpu.Tlbflush()
}

// InvtlbAllG invalidates every entry of the current GID whose global bit
// matches g.
func (cpu *CPUState) InvtlbAllG(g bool) {
	gid := cpu.effectiveTLBGID()
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if !e.Enabled() || e.GID() != gid {
			continue
		}
		isGlobal := e.even().G() || e.odd().G()
		if isGlobal == g {
			e.SetEnabled(false)
		}
	}
	cpu.flushTranslationCache(^uint32(0))
}

// InvtlbAllASID invalidates every non-global entry of the current GID
// whose ASID equals asid.
func (cpu *CPUState) InvtlbAllASID(asid uint16) {
	gid := cpu.effectiveTLBGID()
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if !e.Enabled() || e.GID() != gid || e.ASID() != asid {
			continue
		}
		if e.even().G() || e.odd().G() {
			continue
		}
		e.SetEnabled(false)
	}
	cpu.flushTranslationCache(^uint32(0))
}

// InvtlbPageASID invalidates the non-global entry of the current GID
// matching (asid, addr).
func (cpu *CPUState) InvtlbPageASID(asid uint16, addr uint64) {
	cpu.invalidatePage(addr, func(e *TLBEntry) bool {
		if e.even().G() || e.odd().G() {
			return false
		}
		return e.ASID() == asid
	})
}

// InvtlbPageASIDOrG invalidates the entry of the current GID matching
// addr, whether global or matching asid.
func (cpu *CPUState) InvtlbPageASIDOrG(asid uint16, addr uint64) {
	cpu.invalidatePage(addr, func(e *TLBEntry) bool {
		return e.even().G() || e.odd().G() || e.ASID() == asid
	})
}

func (cpu *CPUState) invalidatePage(addr uint64, match func(e *TLBEntry) bool) {
	gid := cpu.effectiveTLBGID()
	vpn := addr >> 13
	start, end := stlbIndexRange(vpn)
	for i := start; i < end; i++ {
		e := &cpu.TLB[i]
		if e.Enabled() && e.GID() == gid && vpnMatches(e, addr) && match(e) {
			e.SetEnabled(false)
		}
	}
	for i := MTLBBase; i < TLBMax; i++ {
		e := &cpu.TLB[i]
		if e.Enabled() && e.GID() == gid && vpnMatches(e, addr) && match(e) {
			e.SetEnabled(false)
		}
	}
	cpu.flushTranslationCache(^uint32(0))
}
