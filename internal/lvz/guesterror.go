package lvz

import (
	"io"

	"github.com/sirupsen/logrus"
)

// guestWarn reports to Logger, the guest-error channel for internal
// invariant violations (spec §7 point 4): these never crash the core.
// Logging does not change control flow; the caller decides how the
// instruction proceeds (the PS=0 TLB-entry warnings in mmu.go log and
// keep translating). A nil Logger discards the record silently, matching
// logrus.New() with output set to io.Discard.
func (cpu *CPUState) guestWarn(event string, fields map[string]interface{}) {
	if cpu.Logger == nil {
		return
	}
	entry := cpu.Logger.WithField("vcpu", cpu.ID).WithField("event", event)
	entry.WithFields(logrus.Fields(fields)).Warn("lvz: internal invariant violation")
}

// defaultLogger is what NewCPUState installs when the caller passes nil:
// a real *logrus.Entry with output silenced, mirroring kata-containers'
// convention of a package-level logger obtained via WithField rather
// than a bare *logrus.Logger.
func defaultLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}
