package lvz

// CSRIndex numbers a control/status register. The same numbering scheme
// is used for both the host CSR bank and the guest shadow bank (GCSR);
// which bank a given access lands on is decided by the CSR Mediator
// (mediator.go), not by the index itself.
type CSRIndex uint16

// CSR indices, grouped the way spec.md §3/§4.2 groups them.
const (
	CSRCrmd   CSRIndex = 0x00
	CSRPrmd   CSRIndex = 0x01
	CSREuen   CSRIndex = 0x02
	CSRMisc   CSRIndex = 0x03
	CSREcfg   CSRIndex = 0x04
	CSREstat  CSRIndex = 0x05
	CSREra    CSRIndex = 0x06
	CSRBadv   CSRIndex = 0x07
	CSRBadi   CSRIndex = 0x08
	CSREentry CSRIndex = 0x0c

	CSRTlbidx  CSRIndex = 0x10
	CSRTlbehi  CSRIndex = 0x11
	CSRTlbelo0 CSRIndex = 0x12
	CSRTlbelo1 CSRIndex = 0x13
	CSRAsid    CSRIndex = 0x18
	CSRPgdl    CSRIndex = 0x19
	CSRPgdh    CSRIndex = 0x1a
	CSRPgd     CSRIndex = 0x1b
	CSRPwcl    CSRIndex = 0x1c
	CSRPwch    CSRIndex = 0x1d
	CSRStlbps  CSRIndex = 0x1e
	CSRRvacfg  CSRIndex = 0x1f

	CSRCpuid  CSRIndex = 0x20
	CSRPrcfg1 CSRIndex = 0x21
	CSRPrcfg2 CSRIndex = 0x22
	CSRPrcfg3 CSRIndex = 0x23

	CSRSave0  CSRIndex = 0x30
	CSRSave15 CSRIndex = 0x3f // CSRSave0 + 15

	CSRTid   CSRIndex = 0x40
	CSRTcfg  CSRIndex = 0x41
	CSRTval  CSRIndex = 0x42
	CSRCntc  CSRIndex = 0x43
	CSRTiclr CSRIndex = 0x44

	CSRLlbctl CSRIndex = 0x60

	CSRImpctl1 CSRIndex = 0x80
	CSRImpctl2 CSRIndex = 0x81

	CSRTlbrentry CSRIndex = 0x88
	CSRTlbrbadv  CSRIndex = 0x89
	CSRTlbrera   CSRIndex = 0x8a
	CSRTlbrsave  CSRIndex = 0x8b
	CSRTlbrelo0  CSRIndex = 0x8c
	CSRTlbrelo1  CSRIndex = 0x8d
	CSRTlbrehi   CSRIndex = 0x8e
	CSRTlbrprmd  CSRIndex = 0x8f

	CSRMerrctl   CSRIndex = 0x90
	CSRMerrinfo1 CSRIndex = 0x91
	CSRMerrinfo2 CSRIndex = 0x92
	CSRMerrentry CSRIndex = 0x93
	CSRMerrera   CSRIndex = 0x94
	CSRMerrsave  CSRIndex = 0x95

	CSRDbg CSRIndex = 0x500 // debug block, guest accesses always trap to the host

	CSRDmw0 CSRIndex = 0x180
	CSRDmw1 CSRIndex = 0x181
	CSRDmw2 CSRIndex = 0x182
	CSRDmw3 CSRIndex = 0x183

	// LVZ control registers. Only ever accessible through the host bank;
	// see mediator.go - they have no guest-shadow counterpart.
	CSRGstat CSRIndex = 0x50
	CSRGcfg  CSRIndex = 0x51
	CSRGintc CSRIndex = 0x52
	CSRGcntc CSRIndex = 0x53
	CSRGtlbc CSRIndex = 0x15
	CSRTrgp  CSRIndex = 0x56
)

// CRMD bit layout (the bits this core cares about).
const (
	crmdPLV uint64 = 0x3 << 0
	crmdIE  uint64 = 1 << 2
	crmdDA  uint64 = 1 << 3
	crmdPG  uint64 = 1 << 4
)

// PRMD bit layout.
const (
	prmdPPLV uint64 = 0x3 << 0
	prmdPIE  uint64 = 1 << 2
)

// CSRBank is one flat register file: the shape is identical whether it
// backs host privilege (CPUState.Host) or the guest shadow
// (CPUState.Guest). Spec design note: "modeled not by subclassing a
// register type but as two flat records of the same shape".
type CSRBank struct {
	Crmd   uint64
	Prmd   uint64
	Euen   uint64
	Misc   uint64
	Ecfg   uint64
	Estat  uint64
	Era    uint64
	Badv   uint64
	Badi   uint64
	Eentry uint64

	Tlbidx  uint64
	Tlbehi  uint64
	Tlbelo0 uint64
	Tlbelo1 uint64
	Asid    uint64
	Pgdl    uint64
	Pgdh    uint64
	Pwcl    uint64
	Pwch    uint64
	Stlbps  uint64
	Rvacfg  uint64

	Prcfg1 uint64
	Prcfg2 uint64
	Prcfg3 uint64

	Save [16]uint64

	Tid   uint64
	Tcfg  uint64
	Cntc  uint64
	Ticlr uint64

	Llbctl uint64

	Impctl1 uint64
	Impctl2 uint64

	Tlbrentry uint64
	Tlbrbadv  uint64
	Tlbrera   uint64
	Tlbrsave  uint64
	Tlbrelo0  uint64
	Tlbrelo1  uint64
	Tlbrehi   uint64
	Tlbrprmd  uint64

	Merrctl   uint64
	Merrinfo1 uint64
	Merrinfo2 uint64
	Merrentry uint64
	Merrera   uint64
	Merrsave  uint64

	Dbg uint64

	Dmw [4]uint64
}

// PLV returns CRMD's current privilege level.
func (b *CSRBank) PLV() uint8 { return uint8(b.Crmd & crmdPLV) }

// DA reports CRMD.DA (direct-address mode).
func (b *CSRBank) DA() bool { return b.Crmd&crmdDA != 0 }

// PG reports CRMD.PG (paging enabled).
func (b *CSRBank) PG() bool { return b.Crmd&crmdPG != 0 }

// GStat is the GSTAT LVZ control register: which guest (if any) is
// executing and what mode it was in before the most recent VM-exit.
type GStat struct {
	VM  bool
	PVM bool
	GID uint8
}

func (g GStat) Raw() uint64 {
	var v uint64
	if g.VM {
		v |= 1 << 0
	}
	if g.PVM {
		v |= 1 << 1
	}
	v |= uint64(g.GID) << 4
	return v
}

func gstatFromRaw(v uint64) GStat {
	return GStat{
		VM:  v&(1<<0) != 0,
		PVM: v&(1<<1) != 0,
		GID: uint8((v >> 4) & 0xff),
	}
}

// GCfg is the GCFG LVZ control register: per-CSR-group trap gates for
// guest mode (spec §4.2 table).
type GCfg struct {
	TOEP  bool // trap-on-exit-pending (reserved for hypervisor bookkeeping)
	TOE   bool // trap-on-error (reserved)
	TIT   bool // trap on idle
	TITP  bool // guest timer-CSR reads trapped when false (allow iff TITP)
	TITO  bool // guest timer-CSR writes trapped when false (allow iff TITO)
	SITP  bool // guest ESTAT reads allowed iff SITP
	SITO  bool // guest ESTAT writes allowed iff SITO
}

func (g GCfg) Raw() uint64 {
	var v uint64
	bits := []bool{g.TOEP, g.TOE, g.TIT, g.TITP, g.TITO, g.SITP, g.SITO}
	for i, b := range bits {
		if b {
			v |= 1 << uint(i)
		}
	}
	return v
}

func gcfgFromRaw(v uint64) GCfg {
	return GCfg{
		TOEP: v&(1<<0) != 0,
		TOE:  v&(1<<1) != 0,
		TIT:  v&(1<<2) != 0,
		TITP: v&(1<<3) != 0,
		TITO: v&(1<<4) != 0,
		SITP: v&(1<<5) != 0,
		SITO: v&(1<<6) != 0,
	}
}

// GTlbc is the GTLBC LVZ control register: guest-TLB-operation defaults.
type GTlbc struct {
	TOTI     bool // trap on tlbsrch miss (reserved for hypervisor policy)
	UseTGID  bool // while set, TLB helpers use TGID instead of the effective GID
	TGID     uint8
}

func (g GTlbc) Raw() uint64 {
	var v uint64
	if g.TOTI {
		v |= 1 << 0
	}
	if g.UseTGID {
		v |= 1 << 1
	}
	v |= uint64(g.TGID) << 8
	return v
}

func gtlbcFromRaw(v uint64) GTlbc {
	return GTlbc{
		TOTI:    v&(1<<0) != 0,
		UseTGID: v&(1<<1) != 0,
		TGID:    uint8((v >> 8) & 0xff),
	}
}
