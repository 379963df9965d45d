package lvz

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSaveLoadRoundTrip is Round-trip law R2 (spec §8): Save followed by
// Load into a fresh CPUState reproduces every architecturally visible
// field.
func TestSaveLoadRoundTrip(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = true
	cpu.GPR[5] = 0xdeadbeef
	cpu.PC = 0x4000
	cpu.Host.Eentry = 0x1000
	cpu.Guest.Eentry = 0x2000
	cpu.GSTAT.VM = true
	cpu.GSTAT.GID = 3
	cpu.GCFG.TITP = true
	installIdentityTLBEntry(cpu, 0x10, 3, 0, 0x77, false)

	var buf bytes.Buffer
	require.NoError(t, cpu.Save(&buf))

	other, _ := newTestCPU(1 << 40)
	require.NoError(t, other.Load(bytes.NewReader(buf.Bytes())))

	require.Equal(t, cpu.GPR, other.GPR)
	require.Equal(t, cpu.PC, other.PC)
	require.Equal(t, cpu.Host.Eentry, other.Host.Eentry)
	require.Equal(t, cpu.Guest.Eentry, other.Guest.Eentry)
	require.Equal(t, cpu.GSTAT, other.GSTAT)
	require.Equal(t, cpu.GCFG, other.GCFG)
	require.Equal(t, cpu.TLB, other.TLB)
}

// TestSaveOmitsGuestBankWhenLVZDisabled checks the needed-subsection
// predicate: a non-virtualized vCPU's image never writes the guest bank.
func TestSaveOmitsGuestBankWhenLVZDisabled(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.LVZEnabled = false
	cpu.Guest.Eentry = 0x9999 // must not leak into the image at all

	var buf bytes.Buffer
	require.NoError(t, cpu.Save(&buf))

	other, _ := newTestCPU(1 << 40)
	other.Guest.Eentry = 0x1234 // pre-existing value is discarded by Load
	require.NoError(t, other.Load(bytes.NewReader(buf.Bytes())))
	require.False(t, other.LVZEnabled)
	require.Zero(t, other.Guest.Eentry, "Load always resets Guest to zero value when the image carries no guest section")
}

// TestLoadRejectsUnknownMajorVersion is Boundary behavior B3 (spec §8):
// an incompatible image is refused outright.
func TestLoadRejectsUnknownMajorVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint32(&buf, 999))

	cpu, _ := newTestCPU(1 << 40)
	err := cpu.Load(&buf)
	require.Error(t, err)
}

// TestLoadDoesNotCommitPartialStateOnTruncatedImage is spec §7 "no
// partial state is committed".
func TestLoadDoesNotCommitPartialStateOnTruncatedImage(t *testing.T) {
	cpu, _ := newTestCPU(1 << 40)
	cpu.PC = 0x5555
	cpu.Host.Eentry = 0x6666

	var full bytes.Buffer
	other, _ := newTestCPU(1 << 40)
	other.PC = 0x7777
	require.NoError(t, other.Save(&full))

	truncated := full.Bytes()[:len(full.Bytes())/2]
	err := cpu.Load(bytes.NewReader(truncated))
	require.Error(t, err)
	require.EqualValues(t, 0x5555, cpu.PC, "a failed Load must leave the receiver completely untouched")
	require.EqualValues(t, 0x6666, cpu.Host.Eentry)
}

func writeUint32(buf *bytes.Buffer, v uint32) error {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	_, err := buf.Write(b)
	return err
}
