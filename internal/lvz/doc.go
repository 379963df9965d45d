// Package lvz implements the LoongArch Virtualization (LVZ) second-level
// MMU, CSR mediator, GID-tagged TLB, and VM-exit state machine that sit
// underneath a LoongArch CPU emulator's instruction decoder.
//
// The package never touches the instruction stream itself: the decoder
// (external to this package) calls into CPUState for CSR accesses, TLB
// maintenance ops, address translation, and privilege transitions, and
// this package calls back out through the small set of collaborator
// interfaces defined in cpu.go whenever it needs something only the
// surrounding emulator can provide (raising an architectural exception,
// flushing a host-side translation cache, drawing a guest-random value,
// or reading a raw 64-bit word of guest physical memory for a page-table
// walk).
package lvz
