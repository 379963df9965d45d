package lvz

// fakeCollaborators is a recording stand-in for the four primitives
// spec §1 asks the surrounding emulator to supply, so tests can assert on
// what the core asked for without pulling in a real decoder.
type fakeCollaborators struct {
	exceptions []fakeException
	flushes    []uint32
	randomSeq  []uint32
	mem        map[uint64]uint64
}

type fakeException struct {
	cause uint32
	badv  uint64
}

func newFakeCollaborators() *fakeCollaborators {
	return &fakeCollaborators{mem: make(map[uint64]uint64)}
}

func (f *fakeCollaborators) RaiseException(cause uint32, badv uint64) {
	f.exceptions = append(f.exceptions, fakeException{cause: cause, badv: badv})
}

func (f *fakeCollaborators) FlushTranslationCache(mask uint32) {
	f.flushes = append(f.flushes, mask)
}

func (f *fakeCollaborators) GuestRandom32() uint32 {
	if len(f.randomSeq) == 0 {
		return 0
	}
	v := f.randomSeq[0]
	f.randomSeq = f.randomSeq[1:]
	return v
}

func (f *fakeCollaborators) LoadU64(addr uint64) (uint64, error) {
	return f.mem[addr], nil
}

// newTestCPU builds a CPUState wired to a fresh fakeCollaborators, with an
// MMIO classifier that treats addr >= mmioBase as MMIO.
func newTestCPU(mmioBase uint64) (*CPUState, *fakeCollaborators) {
	f := newFakeCollaborators()
	classify := func(gpa uint64) bool { return gpa >= mmioBase }
	cpu := NewCPUState(0, f, f, f, f, classify, nil)
	return cpu, f
}

// installIdentityTLBEntry writes a STLB entry mapping the 8KiB page pair
// at vpn (ps=13, the minimum page size this core's tests use throughout)
// onto ppn, with both halves using the same ppn: enabled, valid, dirty,
// executable, readable, at the given GID/ASID.
func installIdentityTLBEntry(cpu *CPUState, vpn uint64, gid uint8, asid uint16, ppn uint64, global bool) {
	start, _ := stlbIndexRange(vpn)
	e := &cpu.TLB[start]
	*e = TLBEntry{}
	e.SetEnabled(true)
	e.SetGID(gid)
	e.SetASID(asid)
	e.SetVPPN(vpn)
	e.SetPS(13)
	even := e.even()
	even.SetV(true)
	even.SetD(true)
	even.SetG(global)
	even.SetPPN(ppn)
	odd := e.odd()
	odd.SetV(true)
	odd.SetD(true)
	odd.SetG(global)
	odd.SetPPN(ppn)
}
