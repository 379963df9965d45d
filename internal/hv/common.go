// Package hv defines the architecture-neutral hypervisor abstraction that
// CPU cores plug into: a Hypervisor opens virtual machines, a
// VirtualMachine owns guest memory and devices, and a VirtualCPU is the
// unit that actually executes guest instructions and reports VM-exits.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInterrupted = errors.New("operation interrupted")
	ErrVMHalted    = errors.New("virtual machine halted")
	ErrGuestExited = errors.New("guest requested shutdown")
)

type CpuArchitecture string

const (
	ArchitectureInvalid   CpuArchitecture = "invalid"
	ArchitectureLoongArch CpuArchitecture = "loongarch64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// Register identifies an architectural register exposed across the
// hv.VirtualCPU get/set-registers boundary.
type Register uint64

const (
	RegisterInvalid Register = iota

	// LoongArch general-purpose registers r0-r31.
	RegisterLoongArchR0
	RegisterLoongArchR1
	RegisterLoongArchR2
	RegisterLoongArchR3
	RegisterLoongArchR4
	RegisterLoongArchR5
	RegisterLoongArchR6
	RegisterLoongArchR7
	RegisterLoongArchR8
	RegisterLoongArchR9
	RegisterLoongArchR10
	RegisterLoongArchR11
	RegisterLoongArchR12
	RegisterLoongArchR13
	RegisterLoongArchR14
	RegisterLoongArchR15
	RegisterLoongArchR16
	RegisterLoongArchR17
	RegisterLoongArchR18
	RegisterLoongArchR19
	RegisterLoongArchR20
	RegisterLoongArchR21
	RegisterLoongArchR22
	RegisterLoongArchR23
	RegisterLoongArchR24
	RegisterLoongArchR25
	RegisterLoongArchR26
	RegisterLoongArchR27
	RegisterLoongArchR28
	RegisterLoongArchR29
	RegisterLoongArchR30
	RegisterLoongArchR31
	RegisterLoongArchPC
)

var registerNames = map[Register]string{
	RegisterLoongArchR0:  "R0",
	RegisterLoongArchR1:  "R1",
	RegisterLoongArchR2:  "R2",
	RegisterLoongArchR3:  "R3",
	RegisterLoongArchR4:  "R4",
	RegisterLoongArchR5:  "R5",
	RegisterLoongArchR6:  "R6",
	RegisterLoongArchR7:  "R7",
	RegisterLoongArchR8:  "R8",
	RegisterLoongArchR9:  "R9",
	RegisterLoongArchR10: "R10",
	RegisterLoongArchR11: "R11",
	RegisterLoongArchR12: "R12",
	RegisterLoongArchR13: "R13",
	RegisterLoongArchR14: "R14",
	RegisterLoongArchR15: "R15",
	RegisterLoongArchR16: "R16",
	RegisterLoongArchR17: "R17",
	RegisterLoongArchR18: "R18",
	RegisterLoongArchR19: "R19",
	RegisterLoongArchR20: "R20",
	RegisterLoongArchR21: "R21",
	RegisterLoongArchR22: "R22",
	RegisterLoongArchR23: "R23",
	RegisterLoongArchR24: "R24",
	RegisterLoongArchR25: "R25",
	RegisterLoongArchR26: "R26",
	RegisterLoongArchR27: "R27",
	RegisterLoongArchR28: "R28",
	RegisterLoongArchR29: "R29",
	RegisterLoongArchR30: "R30",
	RegisterLoongArchR31: "R31",
	RegisterLoongArchPC:  "PC",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(0x%X)", uint64(r))
}

// VirtualCPU is the unit of guest execution. Run steps the guest until it
// halts, is interrupted, or needs the hypervisor to service a VM-exit.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

// VirtualCPUDebug is implemented by vCPUs that can record a trap/VM-exit
// trace for postmortem inspection.
type VirtualCPUDebug interface {
	VirtualCPU

	EnableTrace(maxEntries int) error
	GetTraceBuffer() ([]string, error)
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

var _ MemoryMappedIODevice = SimpleMMIODevice{}

type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

type Snapshot interface {
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error

	AllocateMemory(physAddr, size uint64) (MemoryRegion, error)

	CaptureSnapshot() (Snapshot, error)
	RestoreSnapshot(snap Snapshot) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVMWithMemory(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters which can be
	// called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader

	// GuestCount is the number of distinct LVZ guests (GIDs) the machine
	// should be prepared to host; 0 disables virtualization entirely.
	GuestCount() int
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	Guests   int
	VMLoader VMLoader

	CreateVM           func(vm VirtualMachine) error
	CreateVMWithMemory func(vm VirtualMachine) error
	CreateVCPU         func(vCpu VirtualCPU) error
}

func (c SimpleVMConfig) OnCreateVMWithMemory(vm VirtualMachine) error {
	if c.CreateVMWithMemory != nil {
		return c.CreateVMWithMemory(vm)
	}
	return nil
}

func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }
func (c SimpleVMConfig) GuestCount() int        { return c.Guests }

var _ VMConfig = SimpleVMConfig{}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
