package loongarch

import "crypto/rand"

// cryptoRandUint32 backs VirtualCPU.GuestRandom32 for real (non-test)
// execution. Deterministic replacement in tests goes through
// lvz.GuestRandomSource directly, not through this wrapper.
func cryptoRandUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
