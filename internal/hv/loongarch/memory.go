package loongarch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinGuestRAM locks the guest RAM backing slice into physical memory (so
// it is not swapped out) and marks it MADV_DONTFORK (so a forked child
// does not inherit it), the same
// mlock/madvise technique tinyrange-cc's KVM backend and
// usbarmory-tamago's bare-metal memory regions use around raw guest
// memory slabs. This software-only core has no host-kernel-visible
// guest memory to protect from swap today, but a host accelerator
// backend sharing this bus (a future KVM-style VirtualMachine) needs the
// pages locked before handing their addresses to hardware, so the hook
// lives here rather than being invented ad hoc later.
func pinGuestRAM(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Mlock(data); err != nil {
		return fmt.Errorf("loongarch: mlock guest ram: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTFORK); err != nil {
		return fmt.Errorf("loongarch: madvise guest ram: %w", err)
	}
	return nil
}

func unpinGuestRAM(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munlock(data)
}
