package lvz

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Serializer versions (spec §4.5/§6): bumped on any field-list change,
// never on reordering.
const (
	serialMajor        = 2
	serialTLBVersion   = 0
	serialLVZVersion   = 1
)

// csrBankFields lists every CSRBank scalar field in the fixed order
// the wire format commits to. Save[] and Dmw[] are appended after it.
func csrBankFields(b *CSRBank) []*uint64 {
	return []*uint64{
		&b.Crmd, &b.Prmd, &b.Euen, &b.Misc, &b.Ecfg, &b.Estat, &b.Era, &b.Badv, &b.Badi, &b.Eentry,
		&b.Tlbidx, &b.Tlbehi, &b.Tlbelo0, &b.Tlbelo1, &b.Asid, &b.Pgdl, &b.Pgdh, &b.Pwcl, &b.Pwch, &b.Stlbps, &b.Rvacfg,
		&b.Prcfg1, &b.Prcfg2, &b.Prcfg3,
		&b.Tid, &b.Tcfg, &b.Cntc, &b.Ticlr,
		&b.Llbctl,
		&b.Impctl1, &b.Impctl2,
		&b.Tlbrentry, &b.Tlbrbadv, &b.Tlbrera, &b.Tlbrsave, &b.Tlbrelo0, &b.Tlbrelo1, &b.Tlbrehi, &b.Tlbrprmd,
		&b.Merrctl, &b.Merrinfo1, &b.Merrinfo2, &b.Merrentry, &b.Merrera, &b.Merrsave,
		&b.Dbg,
	}
}

func writeCSRBank(w io.Writer, b *CSRBank) error {
	for _, f := range csrBankFields(b) {
		if err := binary.Write(w, binary.LittleEndian, *f); err != nil {
			return err
		}
	}
	for i := range b.Save {
		if err := binary.Write(w, binary.LittleEndian, b.Save[i]); err != nil {
			return err
		}
	}
	for i := range b.Dmw {
		if err := binary.Write(w, binary.LittleEndian, b.Dmw[i]); err != nil {
			return err
		}
	}
	return nil
}

func readCSRBank(r io.Reader, b *CSRBank) error {
	for _, f := range csrBankFields(b) {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for i := range b.Save {
		if err := binary.Read(r, binary.LittleEndian, &b.Save[i]); err != nil {
			return err
		}
	}
	for i := range b.Dmw {
		if err := binary.Read(r, binary.LittleEndian, &b.Dmw[i]); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the migration image: host CSR bank, guest CSR bank (only
// when LVZEnabled — spec §4.5 "needed-subsection predicate keyed on
// cpucfg2.LVZ"), the TLB array, then the LVZ block. No partial state is
// committed on a write error the caller can retry from scratch; this
// core does not attempt incremental writes.
func (cpu *CPUState) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(serialMajor)); err != nil {
		return fmt.Errorf("lvz: write major version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, cpu.ID); err != nil {
		return fmt.Errorf("lvz: write vcpu id: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, cpu.GPR); err != nil {
		return fmt.Errorf("lvz: write gpr: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, cpu.PC); err != nil {
		return fmt.Errorf("lvz: write pc: %w", err)
	}
	if err := writeCSRBank(w, &cpu.Host); err != nil {
		return fmt.Errorf("lvz: write host csr bank: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, cpu.LVZEnabled); err != nil {
		return fmt.Errorf("lvz: write lvz-enabled flag: %w", err)
	}
	if cpu.LVZEnabled {
		if err := writeCSRBank(w, &cpu.Guest); err != nil {
			return fmt.Errorf("lvz: write guest csr bank: %w", err)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(serialTLBVersion)); err != nil {
		return fmt.Errorf("lvz: write tlb subsection version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, cpu.TLB); err != nil {
		return fmt.Errorf("lvz: write tlb array: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(serialLVZVersion)); err != nil {
		return fmt.Errorf("lvz: write lvz subsection version: %w", err)
	}
	if err := cpu.writeLVZBlock(w); err != nil {
		return fmt.Errorf("lvz: write lvz block: %w", err)
	}
	return nil
}

func (cpu *CPUState) writeLVZBlock(w io.Writer) error {
	fields := []uint64{
		cpu.GSTAT.Raw(), cpu.GCFG.Raw(), cpu.GINTC, cpu.GCNTC, cpu.GTLBC.Raw(), cpu.TRGP,
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	ctx := cpu.ExitCtx
	for _, v := range []uint64{uint64(ctx.Reason), ctx.GVA, ctx.GPA, uint64(ctx.GID), uint64(ctx.AccessType)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, ctx.IsTLBRefill)
}

func (cpu *CPUState) readLVZBlock(r io.Reader) error {
	var gstat, gcfg, gintc, gcntc, gtlbc, trgp uint64
	for _, p := range []*uint64{&gstat, &gcfg, &gintc, &gcntc, &gtlbc, &trgp} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	cpu.GSTAT = gstatFromRaw(gstat)
	cpu.GCFG = gcfgFromRaw(gcfg)
	cpu.GINTC = gintc
	cpu.GCNTC = gcntc
	cpu.GTLBC = gtlbcFromRaw(gtlbc)
	cpu.TRGP = trgp

	var reason, gva, gpa, gid, accessType uint64
	for _, p := range []*uint64{&reason, &gva, &gpa, &gid, &accessType} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	var isRefill bool
	if err := binary.Read(r, binary.LittleEndian, &isRefill); err != nil {
		return err
	}
	cpu.ExitCtx = VMExitContext{
		Reason:      uint32(reason),
		GVA:         gva,
		GPA:         gpa,
		GID:         uint8(gid),
		AccessType:  uint32(accessType),
		IsTLBRefill: isRefill,
	}
	return nil
}

// Load reads a migration image written by Save. It rejects unknown major
// versions outright (spec §4.5) and leaves cpu untouched on any error —
// the image is decoded into a scratch CPUState first and only swapped in
// once every section has been read successfully, so a truncated or
// corrupt image never commits partial state (spec §7 "Migration
// rejects... no partial state is committed").
func (cpu *CPUState) Load(r io.Reader) error {
	var major uint32
	if err := binary.Read(r, binary.LittleEndian, &major); err != nil {
		return fmt.Errorf("lvz: read major version: %w", err)
	}
	if major != serialMajor {
		return fmt.Errorf("lvz: unsupported migration image major version %d (want %d)", major, serialMajor)
	}

	next := *cpu // shallow scratch copy; collaborators are preserved as-is

	if err := binary.Read(r, binary.LittleEndian, &next.ID); err != nil {
		return fmt.Errorf("lvz: read vcpu id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &next.GPR); err != nil {
		return fmt.Errorf("lvz: read gpr: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &next.PC); err != nil {
		return fmt.Errorf("lvz: read pc: %w", err)
	}
	next.Host = CSRBank{}
	if err := readCSRBank(r, &next.Host); err != nil {
		return fmt.Errorf("lvz: read host csr bank: %w", err)
	}

	var lvzEnabled bool
	if err := binary.Read(r, binary.LittleEndian, &lvzEnabled); err != nil {
		return fmt.Errorf("lvz: read lvz-enabled flag: %w", err)
	}
	next.LVZEnabled = lvzEnabled
	next.Guest = CSRBank{}
	if lvzEnabled {
		if err := readCSRBank(r, &next.Guest); err != nil {
			return fmt.Errorf("lvz: read guest csr bank: %w", err)
		}
	}

	var tlbVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &tlbVersion); err != nil {
		return fmt.Errorf("lvz: read tlb subsection version: %w", err)
	}
	if tlbVersion > serialTLBVersion {
		return fmt.Errorf("lvz: unsupported tlb subsection version %d", tlbVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &next.TLB); err != nil {
		return fmt.Errorf("lvz: read tlb array: %w", err)
	}

	var lvzVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &lvzVersion); err != nil {
		return fmt.Errorf("lvz: read lvz subsection version: %w", err)
	}
	if lvzVersion > serialLVZVersion {
		return fmt.Errorf("lvz: unsupported lvz subsection version %d", lvzVersion)
	}
	if err := next.readLVZBlock(r); err != nil {
		return fmt.Errorf("lvz: read lvz block: %w", err)
	}

	*cpu = next
	return nil
}
