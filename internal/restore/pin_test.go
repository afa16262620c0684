package restore_test

import (
	"testing"

	"github.com/tinyrange/cc/internal/restore"
)

// TestPinSubmitsStrictBottomUpLevelOrder builds a scenario with pinned
// pages at every level, deliberately assigning PFNs so that a higher-level
// page has a numerically smaller PFN than its children (L4 at pfn 0, L1 at
// pfn 3): iterating by raw PFN index would submit the L4 pin before the
// L1/L2/L3 pins it depends on. spec.md §1(d)/§4.H require L1 before L2
// before L3 before L4, regardless of PFN order.
func TestPinSubmitsStrictBottomUpLevelOrder(t *testing.T) {
	const domid = restore.DomainID(40)

	hv := newFakeHypervisor(4)
	hv.setPFNList([]restore.MFN{300, 301, 302, 303})

	p2m, err := restore.AllocateDomain(hv, domid, 4)
	if err != nil {
		t.Fatalf("AllocateDomain() error = %v", err)
	}

	types := restore.NewPFNTypeTable(4)
	types.Set(0, restore.NewTypeCode(restore.LevelL4, true))
	types.Set(1, restore.NewTypeCode(restore.LevelL3, true))
	types.Set(2, restore.NewTypeCode(restore.LevelL2, true))
	types.Set(3, restore.NewTypeCode(restore.LevelL1, true))

	if err := restore.Pin(hv, domid, p2m, types); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}

	if len(hv.pinned) != 4 {
		t.Fatalf("pinned %d tables, want 4", len(hv.pinned))
	}

	wantCmds := []restore.PinCommand{
		restore.PinL1Table,
		restore.PinL2Table,
		restore.PinL3Table,
		restore.PinL4Table,
	}
	for i, want := range wantCmds {
		if hv.pinned[i].Cmd != want {
			t.Errorf("pin %d: cmd = %v, want %v (pfn-ascending order would have submitted L4 first)", i, hv.pinned[i].Cmd, want)
		}
	}

	// pfn 3 (L1) maps to mfn 303, pfn 0 (L4) maps to mfn 300: the MFNs
	// alongside each command confirm the level, not just the PFN, drove
	// the ordering.
	if hv.pinned[0].MFN != 303 {
		t.Errorf("pin 0 mfn = %d, want 303 (pfn 3, the L1 table)", hv.pinned[0].MFN)
	}
	if hv.pinned[3].MFN != 300 {
		t.Errorf("pin 3 mfn = %d, want 300 (pfn 0, the L4 table)", hv.pinned[3].MFN)
	}
}

// TestPinSkipsUnpinnedAndXTAB confirms the level-by-level scan still
// ignores pages whose pin bit is clear and pages tagged XTAB, the same as
// the previous PFN-ordered scan did.
func TestPinSkipsUnpinnedAndXTAB(t *testing.T) {
	const domid = restore.DomainID(41)

	hv := newFakeHypervisor(2)
	hv.setPFNList([]restore.MFN{300, 301, 302})

	p2m, err := restore.AllocateDomain(hv, domid, 3)
	if err != nil {
		t.Fatalf("AllocateDomain() error = %v", err)
	}

	types := restore.NewPFNTypeTable(3)
	types.Set(0, restore.NewTypeCode(restore.LevelL1, false)) // page table, not pinned
	types.Set(1, restore.NewTypeCode(restore.LevelL2, true))
	types.Set(2, restore.TypeXTAB) // carries the pin bit, but is not a page table

	if err := restore.Pin(hv, domid, p2m, types); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}

	if len(hv.pinned) != 1 {
		t.Fatalf("pinned %d tables, want 1", len(hv.pinned))
	}
	if hv.pinned[0].Cmd != restore.PinL2Table {
		t.Errorf("pinned cmd = %v, want PinL2Table", hv.pinned[0].Cmd)
	}
}
