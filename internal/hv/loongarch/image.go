package loongarch

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/prcups/QEMU-LVZ/internal/lvz"
)

// debugImage is a human-readable sibling of the Serializer's binary
// migration image (spec §4.5): it is never read back in, only dumped for
// a developer inspecting a stuck guest, the same role
// rv64/fdt.go's generated device tree plays next to the machine's actual
// boot path.
type debugImage struct {
	VCPU       uint32 `yaml:"vcpu"`
	PC         uint64 `yaml:"pc"`
	LVZEnabled bool   `yaml:"lvz_enabled"`
	GSTAT      struct {
		VM  bool  `yaml:"vm"`
		PVM bool  `yaml:"pvm"`
		GID uint8 `yaml:"gid"`
	} `yaml:"gstat"`
	HostCRMD  uint64 `yaml:"host_crmd"`
	GuestCRMD uint64 `yaml:"guest_crmd"`
	ExitCtx   struct {
		Reason     uint32 `yaml:"reason"`
		GVA        uint64 `yaml:"gva"`
		GPA        uint64 `yaml:"gpa"`
		AccessType uint32 `yaml:"access_type"`
	} `yaml:"last_vm_exit"`
}

// DumpYAML renders a debug snapshot of a vCPU's architectural state.
// Called only from tests and ad hoc debugging; it is not the
// migration wire format (see lvz.CPUState.Save for that).
func DumpYAML(cpu *lvz.CPUState) ([]byte, error) {
	img := debugImage{
		VCPU:       cpu.ID,
		PC:         cpu.PC,
		LVZEnabled: cpu.LVZEnabled,
		HostCRMD:   cpu.Host.Crmd,
		GuestCRMD:  cpu.Guest.Crmd,
	}
	img.GSTAT.VM = cpu.GSTAT.VM
	img.GSTAT.PVM = cpu.GSTAT.PVM
	img.GSTAT.GID = cpu.GSTAT.GID
	img.ExitCtx.Reason = cpu.ExitCtx.Reason
	img.ExitCtx.GVA = cpu.ExitCtx.GVA
	img.ExitCtx.GPA = cpu.ExitCtx.GPA
	img.ExitCtx.AccessType = cpu.ExitCtx.AccessType

	out, err := yaml.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("loongarch: marshal debug image: %w", err)
	}
	return out, nil
}
