package loongarch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/prcups/QEMU-LVZ/internal/hv"
	"github.com/prcups/QEMU-LVZ/internal/lvz"
)

// RAMBase mirrors rv64.RAMBase: guest physical memory starts at 0 for
// this software-only core, there being no real firmware reset vector to
// honor.
const RAMBase = 0

// Step decodes and executes one guest instruction against cpu. It is the
// "instruction decoder" collaborator spec.md §1 explicitly keeps
// external to the core: this package supplies the MMU/CSR/TLB/VM-exit
// machinery and calls back into whatever Step the embedder provides, the
// same way rv64.Machine.Run calls into its own (in-scope, for that
// teacher) decode loop.
type Step func(cpu *lvz.CPUState) error

// Hypervisor implements hv.Hypervisor for the LoongArch LVZ core.
type Hypervisor struct {
	Step Step
}

// Open creates a new LoongArch hypervisor bound to the given decoder
// step function.
func Open(step Step) (hv.Hypervisor, error) {
	if step == nil {
		return nil, fmt.Errorf("loongarch: Step function is required")
	}
	return &Hypervisor{Step: step}, nil
}

func (h *Hypervisor) Close() error { return nil }

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureLoongArch }

// NewVirtualMachine implements hv.Hypervisor, mirroring
// rv64.Hypervisor.NewVirtualMachine's create/load/callback sequencing.
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config == nil {
		return nil, fmt.Errorf("loongarch: VMConfig is nil")
	}
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("loongarch: only single vCPU guests are supported")
	}

	memSize := config.MemorySize()
	if memSize == 0 {
		memSize = 64 * 1024 * 1024
	}
	if memBase := config.MemoryBase(); memBase != 0 {
		return nil, fmt.Errorf("loongarch: memory base must be 0x%x (got 0x%x)", uint64(RAMBase), memBase)
	}

	b := newBus(memSize)

	vm := &VirtualMachine{hv: h, bus: b, guestCount: config.GuestCount()}
	vm.vcpu = newVirtualCPU(vm, 0)

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			return nil, fmt.Errorf("loongarch: VM callback OnCreateVM: %w", err)
		}
	}
	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("loongarch: load VM: %w", err)
		}
	}
	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVMWithMemory(vm); err != nil {
			return nil, fmt.Errorf("loongarch: VM callback OnCreateVMWithMemory: %w", err)
		}
		if err := cb.OnCreateVCPU(vm.vcpu); err != nil {
			return nil, fmt.Errorf("loongarch: VM callback OnCreateVCPU: %w", err)
		}
	}

	return vm, nil
}

// VirtualMachine implements hv.VirtualMachine for the LoongArch LVZ core.
type VirtualMachine struct {
	hv   *Hypervisor
	bus  *bus
	vcpu *VirtualCPU

	guestCount int
}

func (vm *VirtualMachine) Hypervisor() hv.Hypervisor { return vm.hv }
func (vm *VirtualMachine) MemorySize() uint64        { return vm.bus.ram.Size() }
func (vm *VirtualMachine) MemoryBase() uint64        { return vm.bus.ramBase }
func (vm *VirtualMachine) Close() error               { return vm.bus.close() }

func (vm *VirtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("loongarch: RunConfig is nil")
	}
	return cfg.Run(ctx, vm.vcpu)
}

func (vm *VirtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id != 0 {
		return fmt.Errorf("loongarch: only vCPU 0 supported")
	}
	return f(vm.vcpu)
}

func (vm *VirtualMachine) AddDevice(dev hv.Device) error {
	mmio, ok := dev.(hv.MemoryMappedIODevice)
	if !ok {
		return fmt.Errorf("loongarch: AddDevice only supports MemoryMappedIODevice")
	}
	for _, region := range mmio.MMIORegions() {
		vm.bus.addMMIOWindow(region.Address, region.Size)
	}
	return mmio.Init(vm)
}

func (vm *VirtualMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("loongarch: AllocateMemory not implemented; guest RAM is a single fixed region")
}

func (vm *VirtualMachine) CaptureSnapshot() (hv.Snapshot, error) {
	return newSnapshot(vm.vcpu.cpu)
}

func (vm *VirtualMachine) RestoreSnapshot(snap hv.Snapshot) error {
	s, ok := snap.(*Snapshot)
	if !ok {
		return fmt.Errorf("loongarch: RestoreSnapshot got unexpected snapshot type %T", snap)
	}
	return s.restoreInto(vm.vcpu.cpu)
}

func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error)  { return vm.bus.ReadAt(p, off) }
func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) { return vm.bus.WriteAt(p, off) }

var _ hv.VirtualMachine = (*VirtualMachine)(nil)

// VirtualCPU implements hv.VirtualCPU, wrapping one lvz.CPUState and the
// three collaborator primitives it needs (ExceptionRaiser,
// TranslationCacheFlusher, GuestRandomSource) plus the injected Step
// decoder.
type VirtualCPU struct {
	vm  *VirtualMachine
	id  int
	cpu *lvz.CPUState

	pendingException *lvz.ExceptionError
	flushRequested   bool
}

func newVirtualCPU(vm *VirtualMachine, id int) *VirtualCPU {
	vcpu := &VirtualCPU{vm: vm, id: id}
	logger := logrus.WithField("subsystem", "loongarch-lvz")
	vcpu.cpu = lvz.NewCPUState(uint32(id), vcpu, vcpu, vcpu, vm.bus, vm.bus.ClassifyMMIO, logger)
	vcpu.cpu.LVZEnabled = vm.guestCount > 0
	return vcpu
}

// RaiseException implements lvz.ExceptionRaiser: latched for the Step
// function to observe and deliver after the current mediator/engine
// call returns, mirroring how rv64's ExceptionError propagates up
// through the call stack rather than unwinding via panic/recover.
func (vcpu *VirtualCPU) RaiseException(cause uint32, badv uint64) {
	vcpu.pendingException = &lvz.ExceptionError{Cause: cause, Tval: badv}
}

// FlushTranslationCache implements lvz.TranslationCacheFlusher. This
// core has no separate host-side JIT translation cache of its own (that
// lives in the external decoder/TCG layer spec.md keeps out of scope);
// the flag lets a Step implementation know a flush is due before its
// next fetch.
func (vcpu *VirtualCPU) FlushTranslationCache(mmuIdxMask uint32) {
	vcpu.flushRequested = true
}

// GuestRandom32 implements lvz.GuestRandomSource using the host's
// nondeterministic RNG; tests substitute a deterministic
// lvz.GuestRandomSource directly against CPUState instead of through
// this wrapper.
func (vcpu *VirtualCPU) GuestRandom32() uint32 {
	return cryptoRandUint32()
}

func (vcpu *VirtualCPU) VirtualMachine() hv.VirtualMachine { return vcpu.vm }
func (vcpu *VirtualCPU) ID() int                           { return vcpu.id }

func (vcpu *VirtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("loongarch: unsupported register value type %T", value)
		}
		switch {
		case reg >= hv.RegisterLoongArchR0 && reg <= hv.RegisterLoongArchR31:
			idx := int(reg - hv.RegisterLoongArchR0)
			vcpu.cpu.GPR[idx] = uint64(val64)
		case reg == hv.RegisterLoongArchPC:
			vcpu.cpu.PC = uint64(val64)
		default:
			return fmt.Errorf("loongarch: unsupported register %v", reg)
		}
	}
	return nil
}

func (vcpu *VirtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case reg >= hv.RegisterLoongArchR0 && reg <= hv.RegisterLoongArchR31:
			idx := int(reg - hv.RegisterLoongArchR0)
			regs[reg] = hv.Register64(vcpu.cpu.GPR[idx])
		case reg == hv.RegisterLoongArchPC:
			regs[reg] = hv.Register64(vcpu.cpu.PC)
		default:
			return fmt.Errorf("loongarch: unsupported register %v", reg)
		}
	}
	return nil
}

// Run drives the injected Step function until the context is canceled,
// the guest halts, or Step returns an unrecoverable error. Run itself
// neither inspects nor clears the *lvz.ExceptionError latched by
// RaiseException; Step is expected to take vcpu's pending exception (via
// PendingException) and deliver it architecturally, or return it as its
// error, before returning.
func (vcpu *VirtualCPU) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return hv.ErrInterrupted
		default:
		}

		if err := vcpu.vm.hv.Step(vcpu.cpu); err != nil {
			switch {
			case errors.Is(err, hv.ErrVMHalted), errors.Is(err, hv.ErrGuestExited):
				return err
			default:
				return err
			}
		}
	}
}

// PendingException returns and clears the exception latched by the most
// recent RaiseException call, for the Step function to deliver.
func (vcpu *VirtualCPU) PendingException() *lvz.ExceptionError {
	e := vcpu.pendingException
	vcpu.pendingException = nil
	return e
}

var (
	_ hv.VirtualCPU               = (*VirtualCPU)(nil)
	_ lvz.ExceptionRaiser         = (*VirtualCPU)(nil)
	_ lvz.TranslationCacheFlusher = (*VirtualCPU)(nil)
	_ lvz.GuestRandomSource       = (*VirtualCPU)(nil)
)
