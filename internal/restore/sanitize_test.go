package restore_test

import (
	"errors"
	"testing"

	"github.com/tinyrange/cc/internal/restore"
)

// TestScenarioS5ContextSanitize is spec.md's S5: a ring-0 trap selector and
// kernel stack selector are both replaced with their flat-kernel
// equivalents, and the trap's vector is forced to match its table index.
func TestScenarioS5ContextSanitize(t *testing.T) {
	const domid = restore.DomainID(21)

	hv := newFakeHypervisor(4)
	ctxt := &restore.VCPUContext{}
	ctxt.TrapCtxt[13].CS = 0
	ctxt.KernelSS = 0

	platform := restore.Platform{MaxMFN: hv.maxMFN, VirtAddrFloor: hv.virtAddrFloor, PagingLevels: 4}
	if err := restore.Sanitize(hv, domid, platform, ctxt); err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}

	if ctxt.TrapCtxt[13].Vector != 13 {
		t.Errorf("trap_ctxt[13].vector = %d, want 13", ctxt.TrapCtxt[13].Vector)
	}
	if ctxt.TrapCtxt[13].CS == 0 {
		t.Error("trap_ctxt[13].cs was not replaced with a flat kernel selector")
	}
	if ctxt.KernelSS == 0 {
		t.Error("kernel_ss was not replaced with a flat kernel selector")
	}

	if hv.submittedCtxt[0] != ctxt {
		t.Error("Sanitize did not submit the context via set_vcpu_context for vcpu 0")
	}
}

// TestSanitizeFixesCallbackSelectorsOn32Bit confirms the event and
// failsafe callback selectors get the flat-kernel substitution on both
// 32-bit paging models (two-level and PAE) and are left alone on a
// four-level guest, which has no such selectors.
func TestSanitizeFixesCallbackSelectorsOn32Bit(t *testing.T) {
	for _, levels := range []int{2, 3} {
		hv := newFakeHypervisor(levels)
		ctxt := &restore.VCPUContext{}

		platform := restore.Platform{MaxMFN: hv.maxMFN, VirtAddrFloor: hv.virtAddrFloor, PagingLevels: levels}
		if err := restore.Sanitize(hv, restore.DomainID(23), platform, ctxt); err != nil {
			t.Fatalf("levels=%d: Sanitize() error = %v", levels, err)
		}
		if ctxt.EventCallbackCS == 0 {
			t.Errorf("levels=%d: event callback cs was not replaced", levels)
		}
		if ctxt.FailsafeCallbackCS == 0 {
			t.Errorf("levels=%d: failsafe callback cs was not replaced", levels)
		}
	}

	hv := newFakeHypervisor(4)
	ctxt := &restore.VCPUContext{}
	platform := restore.Platform{MaxMFN: hv.maxMFN, VirtAddrFloor: hv.virtAddrFloor, PagingLevels: 4}
	if err := restore.Sanitize(hv, restore.DomainID(24), platform, ctxt); err != nil {
		t.Fatalf("levels=4: Sanitize() error = %v", err)
	}
	if ctxt.EventCallbackCS != 0 {
		t.Error("levels=4: event callback cs must be left alone on a 64-bit guest")
	}
}

// TestScenarioS6LDTRejection is spec.md's S6 at the sanitizer level: an
// unaligned LDT base is rejected as ldt-invalid and the context is never
// submitted. TestRunDestroysDomainOnLDTRejection covers the domain teardown.
func TestScenarioS6LDTRejection(t *testing.T) {
	const domid = restore.DomainID(22)

	hv := newFakeHypervisor(4)
	ctxt := &restore.VCPUContext{}
	ctxt.LDTBase = 0x1001
	ctxt.LDTEnts = 1

	platform := restore.Platform{MaxMFN: hv.maxMFN, VirtAddrFloor: hv.virtAddrFloor, PagingLevels: 4}
	err := restore.Sanitize(hv, domid, platform, ctxt)
	if !errors.Is(err, restore.ErrLDTInvalid) {
		t.Fatalf("Sanitize() error = %v, want ErrLDTInvalid", err)
	}

	if hv.submittedCtxt[0] != nil {
		t.Error("a rejected context must never be submitted via set_vcpu_context")
	}
}
