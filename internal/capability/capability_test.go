package capability

import (
	"testing"

	"github.com/darkfireeee/Exo-OS-sub002/internal/audit"
)

func TestDeriveAttenuationOnly(t *testing.T) {
	parent := Capability{Object: 1, Rights: RightRead | RightWrite}
	child, err := parent.Derive(RightRead)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if !child.Rights.Subset(parent.Rights) {
		t.Fatalf("expected derived rights subset of parent")
	}
	if _, err := parent.Derive(RightRead | RightExecute); err != ErrAttenuation {
		t.Fatalf("expected ErrAttenuation widening rights, got %v", err)
	}
}

func TestRevocationInvalidatesOutstandingCapabilities(t *testing.T) {
	table := NewObjectTable()
	id := table.Create(KindFile, 0o644, 1000)
	cap := Capability{Object: id, Rights: RightRead}
	live, err := cap.Live(table)
	if err != nil || !live {
		t.Fatalf("expected capability live before revoke: live=%v err=%v", live, err)
	}
	if err := table.Revoke(id); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	live, err = cap.Live(table)
	if err != nil {
		t.Fatalf("Live after revoke: %v", err)
	}
	if live {
		t.Fatalf("expected capability dead after revocation")
	}
}

func TestRecycledObjectGetsFreshGeneration(t *testing.T) {
	table := NewObjectTable()
	id := table.Create(KindFile, 0o644, 1000)
	old := Capability{Object: id, Rights: RightRead}
	if err := table.Revoke(id); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	newID := table.Create(KindFile, 0o644, 1000)
	if newID != id {
		t.Fatalf("expected recycled slot to reuse id %d, got %d", id, newID)
	}
	live, err := old.Live(table)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if live {
		t.Fatalf("expected stale capability from before recycling to remain dead")
	}
}

func TestDescriptorTableInstallLookupClose(t *testing.T) {
	d := NewDescriptorTable(2)
	cap := Capability{Object: 5, Rights: RightRead}
	fd, err := d.Install(cap)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, err := d.Lookup(fd)
	if err != nil || got.Object != 5 {
		t.Fatalf("Lookup: got=%+v err=%v", got, err)
	}
	if _, err := d.Install(cap); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if _, err := d.Install(cap); err != ErrDescriptorFull {
		t.Fatalf("expected ErrDescriptorFull at capacity, got %v", err)
	}
	if err := d.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.Install(cap); err != nil {
		t.Fatalf("Install after Close should reuse freed slot: %v", err)
	}
}

func TestCheckerPosixFallbackPermitsOwnerRead(t *testing.T) {
	table := NewObjectTable()
	id := table.Create(KindFile, 0o600, 42)
	log := audit.New(16, nil)
	checker := NewChecker(nil, table, log)

	bare := Capability{Object: id, Rights: 0}
	if err := checker.Check(bare, RightRead, 42); err != nil {
		t.Fatalf("expected POSIX owner-read fallback to permit, got %v", err)
	}
	if err := checker.Check(bare, RightRead, 99); err != ErrPermissionDenied {
		t.Fatalf("expected non-owner to be denied, got %v", err)
	}
	recent := log.Recent(16)
	if len(recent) != 1 || recent[0].Kind != audit.EventCapabilityDenied {
		t.Fatalf("expected one capability-denied audit event, got %+v", recent)
	}
}

func TestCheckerInsufficientRightsNeverFallsBackToPosix(t *testing.T) {
	table := NewObjectTable()
	// Owner mode bits grant rw to the owner, but the capability presented
	// has been attenuated down to read-only -- POSIX mode bits must not
	// rescue the write attempt.
	id := table.Create(KindFile, 0o600, 42)
	checker := NewChecker(nil, table, nil)

	readOnly := Capability{Object: id, Rights: RightRead}
	if err := checker.Check(readOnly, RightWrite, 42); err != ErrPermissionDenied {
		t.Fatalf("expected attenuated read-only capability to deny write, got %v", err)
	}
}
