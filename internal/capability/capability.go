// Package capability implements the Exo-OS object-capability security
// model: a global object table keyed by ObjectId with
// generation counters for O(1) bulk revocation, per-process descriptor
// tables of Capability handles, attenuation-only derivation, and a POSIX
// mode fallback for filesystem-style permission checks.
//
// Object and descriptor tables assign small integer handles from a flat
// slice rather than a map, and RightSet is a small fixed-width bitset
// package pattern rather than a []bool.
package capability

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/audit"
)

// Error is the capability error taxonomy.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotFound        Error = "capability: object not found"
	ErrRevoked         Error = "capability: capability revoked"
	ErrPermissionDenied Error = "capability: permission denied"
	ErrAttenuation     Error = "capability: derived rights exceed parent rights"
	ErrDescriptorFull  Error = "capability: descriptor table full"
)

// Right is a single bit in a RightSet.
type Right uint32

const (
	RightRead Right = 1 << iota
	RightWrite
	RightExecute
	RightMap
	RightSend
	RightReceive
	RightGrant   // may hand a derived capability to another process
	RightRevoke  // may revoke descendants of a capability it holds
	RightAppend
	RightTruncate
)

// RightSet is a fixed-width bitset of Rights: a small integer with
// bit-test/set/clear helpers rather than a []bool.
type RightSet uint32

// Has reports whether every bit in want is set in rs.
func (rs RightSet) Has(want Right) bool { return rs&RightSet(want) == RightSet(want) }

// Intersect returns the rights common to both sets.
func (rs RightSet) Intersect(other RightSet) RightSet { return rs & other }

// Subset reports whether rs ⊆ other.
func (rs RightSet) Subset(other RightSet) bool { return rs&other == rs }

func (rs RightSet) String() string {
	names := []struct {
		r Right
		s string
	}{
		{RightRead, "r"}, {RightWrite, "w"}, {RightExecute, "x"}, {RightMap, "m"},
		{RightSend, "s"}, {RightReceive, "v"}, {RightGrant, "g"}, {RightRevoke, "k"},
		{RightAppend, "a"}, {RightTruncate, "t"},
	}
	out := make([]byte, 0, len(names))
	for _, n := range names {
		if rs.Has(n.r) {
			out = append(out, n.s[0])
		} else {
			out = append(out, '-')
		}
	}
	return string(out)
}

// ObjectId identifies an entry in the global object table.
type ObjectId uint32

// ObjectKind distinguishes what an object represents, used only for
// diagnostics and POSIX mode reconciliation.
type ObjectKind int

const (
	KindFile ObjectKind = iota
	KindChannel
	KindMemoryRegion
	KindThread
)

// object is one entry in the global table.
type object struct {
	kind       ObjectKind
	generation uint32
	posixMode  uint16 // rwxr-xr-x style bits, used as a fallback check
	posixUID  uint32
	live       bool
}

// ObjectTable is the global, process-independent table of kernel objects
// (generation counters allow O(1) revocation of every
// outstanding capability to an object by bumping its generation").
type ObjectTable struct {
	mu      sync.RWMutex
	objects []object
	free    []ObjectId
}

// NewObjectTable constructs an empty table.
func NewObjectTable() *ObjectTable {
	return &ObjectTable{}
}

// Create allocates a new object and returns its id.
func (t *ObjectTable) Create(kind ObjectKind, posixMode uint16, posixUID uint32) ObjectId {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		obj := &t.objects[id]
		obj.kind = kind
		obj.posixMode = posixMode
		obj.posixUID = posixUID
		obj.live = true
		return id
	}
	id := ObjectId(len(t.objects))
	t.objects = append(t.objects, object{kind: kind, posixMode: posixMode, posixUID: posixUID, live: true})
	return id
}

// Revoke invalidates every outstanding capability referring to id by
// bumping its generation counter; existing Capability values whose
// generation no longer matches become dead on next use
// O(1) revocation), and the slot is returned to the free list.
func (t *ObjectTable) Revoke(id ObjectId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.objects) || !t.objects[id].live {
		return ErrNotFound
	}
	t.objects[id].generation++
	t.objects[id].live = false
	t.free = append(t.free, id)
	return nil
}

// generation returns an object's current generation, or an error if the
// object has never existed.
func (t *ObjectTable) generation(id ObjectId) (uint32, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.objects) {
		return 0, false, ErrNotFound
	}
	o := t.objects[id]
	return o.generation, o.live, nil
}

func (t *ObjectTable) posix(id ObjectId) (mode uint16, uid uint32, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.objects) {
		return 0, 0, ErrNotFound
	}
	o := t.objects[id]
	return o.posixMode, o.posixUID, nil
}

// Capability is a (object, generation, rights) triple. It is a plain
// value, safe to copy, and only ever attenuated -- never widened -- by
// Derive.
type Capability struct {
	Object     ObjectId
	generation uint32
	Rights     RightSet
}

// Derive produces a capability with rights restricted to the intersection
// of the parent's rights and want, rejecting any attempt to widen rights.
func (c Capability) Derive(want RightSet) (Capability, error) {
	if !want.Subset(c.Rights) {
		return Capability{}, ErrAttenuation
	}
	return Capability{Object: c.Object, generation: c.generation, Rights: want}, nil
}

// Live reports whether c's generation still matches the object table's
// current generation for its object -- false once the object has been
// revoked or recycled.
func (c Capability) Live(t *ObjectTable) (bool, error) {
	gen, live, err := t.generation(c.Object)
	if err != nil {
		return false, err
	}
	return live && gen == c.generation, nil
}

// DescriptorTable is a per-process table mapping small integer
// descriptors to Capability handles, keyed off a flat slice rather
// than per-object pointers.
type DescriptorTable struct {
	mu    sync.Mutex
	slots []Capability
	used  []bool
	max   int
}

// NewDescriptorTable constructs a descriptor table bounded to max live
// descriptors.
func NewDescriptorTable(max int) *DescriptorTable {
	return &DescriptorTable{max: max}
}

// Install assigns the next free descriptor number to cap.
func (d *DescriptorTable) Install(cap Capability) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, u := range d.used {
		if !u {
			d.slots[i] = cap
			d.used[i] = true
			return i, nil
		}
	}
	if d.max > 0 && len(d.slots) >= d.max {
		return -1, ErrDescriptorFull
	}
	d.slots = append(d.slots, cap)
	d.used = append(d.used, true)
	return len(d.slots) - 1, nil
}

// Lookup resolves a descriptor to its Capability.
func (d *DescriptorTable) Lookup(fd int) (Capability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fd < 0 || fd >= len(d.slots) || !d.used[fd] {
		return Capability{}, ErrNotFound
	}
	return d.slots[fd], nil
}

// Close removes a descriptor from the table.
func (d *DescriptorTable) Close(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fd < 0 || fd >= len(d.slots) || !d.used[fd] {
		return ErrNotFound
	}
	d.used[fd] = false
	d.slots[fd] = Capability{}
	return nil
}

// Dup duplicates a descriptor, sharing the same underlying capability.
func (d *DescriptorTable) Dup(fd int) (int, error) {
	cap, err := d.Lookup(fd)
	if err != nil {
		return -1, err
	}
	return d.Install(cap)
}

// Snapshot returns every live descriptor and its capability, keyed by
// descriptor number, for fork() to copy into a child table.
func (d *DescriptorTable) Snapshot() map[int]Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]Capability, len(d.slots))
	for i, u := range d.used {
		if u {
			out[i] = d.slots[i]
		}
	}
	return out
}

// Checker performs the permission check:
// "capability rights are checked first; if the object additionally
// carries POSIX mode bits, those are reconciled as a fallback for
// compatibility with POSIX-facing callers (§4.H)".
type Checker struct {
	log   *zap.Logger
	table *ObjectTable
	audit *audit.Log
}

// NewChecker constructs a permission checker over a shared object table.
func NewChecker(log *zap.Logger, table *ObjectTable, auditLog *audit.Log) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{log: log, table: table, audit: auditLog}
}

// Check verifies that cap is live and grants want; on denial it emits an
// audit event
// and returns ErrRevoked or ErrPermissionDenied.
func (c *Checker) Check(cap Capability, want RightSet, requesterUID uint32) error {
	live, err := cap.Live(c.table)
	if err != nil {
		return err
	}
	if !live {
		c.deny(cap, want, "revoked")
		return ErrRevoked
	}
	if !want.Subset(cap.Rights) {
		// POSIX fallback only ever applies in place of a capability, never
		// on top of one: a bare capability (no rights at all) means the
		// caller presented nothing for the capability layer to judge, so
		// POSIX mode bits decide instead. A capability that IS bound to
		// rights but falls short must be denied outright -- letting mode
		// bits rescue it would let owner permissions override an
		// attenuated (e.g. read-only) derived capability's restriction.
		if cap.Rights == 0 {
			if c.posixFallback(cap, want, requesterUID) {
				return nil
			}
		}
		c.deny(cap, want, "insufficient rights")
		return ErrPermissionDenied
	}
	return nil
}

// posixFallback reconciles an absent capability against POSIX mode
// bits on the underlying object:
// owner rwx bits apply when requesterUID matches the object's owner,
// other-bits otherwise. This never WIDENS a capability, it only permits
// an operation capability rights alone would have refused, matching how
// POSIX `open()` checks mode bits independent of any capability system.
func (c *Checker) posixFallback(cap Capability, want RightSet, requesterUID uint32) bool {
	mode, uid, err := c.table.posix(cap.Object)
	if err != nil {
		return false
	}
	var bits uint16
	if uid == requesterUID {
		bits = (mode >> 6) & 0x7
	} else {
		bits = mode & 0x7
	}
	needRead := want.Has(RightRead)
	needWrite := want.Has(RightWrite)
	needExec := want.Has(RightExecute)
	if needRead && bits&0x4 == 0 {
		return false
	}
	if needWrite && bits&0x2 == 0 {
		return false
	}
	if needExec && bits&0x1 == 0 {
		return false
	}
	return true
}

func (c *Checker) deny(cap Capability, want RightSet, reason string) {
	c.log.Warn("capability check denied",
		zap.Uint32("object", uint32(cap.Object)),
		zap.String("want", want.String()),
		zap.String("have", cap.Rights.String()),
		zap.String("reason", reason))
	if c.audit != nil {
		c.audit.Emit(audit.Event{
			Kind:    audit.EventCapabilityDenied,
			Subject: fmt.Sprintf("object:%d", cap.Object),
			Detail:  reason,
		})
	}
}
