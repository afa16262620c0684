package restore

// This file defines the shape of the records carried in the stream's tail
// (§3 "Tail", §6 item 6-7) and resolved by the tail fix-up (§4.I) and
// safety sanitizer (§4.K). Field names follow the vocabulary spec.md §4.I
// and §4.K already use (user_regs.edx, kernel_ss, ldt_base, ...).

// VMAssistExtendedCR3 is the virtualization-assist flag bit meaning the
// guest tolerates L3 page-directory pages anywhere in machine-physical
// space (§4.G, glossary "Extended-cr3"). When absent, the PAE relocator
// must run.
const VMAssistExtendedCR3 uint32 = 1 << 0

// HasExtendedCR3 reports whether the virtualization-assist flags include
// the extended-cr3 bit.
func HasExtendedCR3(vmAssist uint32) bool {
	return vmAssist&VMAssistExtendedCR3 != 0
}

// selRingMask extracts the privilege-level (ring) bits of a segment
// selector, the low 2 bits.
const selRingMask = 0x3

// UserRegs is the subset of the saved general-purpose register file the
// restore engine inspects directly. edx carries the suspend-record PFN
// (§4.I); the rest travel opaquely through to set_vcpu_context.
type UserRegs struct {
	Rax, Rbx, Rcx, Rdx     uint64
	Rsi, Rdi, Rbp, Rsp     uint64
	Rip, Rflags            uint64
	Cs, Ss, Ds, Es, Fs, Gs uint16
}

// TrapInfo is one entry of the 256-entry trap/interrupt descriptor table
// carried in the virtual-CPU context (§4.K).
type TrapInfo struct {
	Vector  uint8
	Flags   uint8
	CS      uint16
	Address uint64
}

// VCPUContext is the saved virtual-CPU context record (§3 "Tail", §6 item
// 6). It is read once from the stream, mutated in place by the tail
// fix-up and safety sanitizer, and submitted via set_vcpu_context.
type VCPUContext struct {
	VMAssist uint32 // virtualization-assist flags, from the extended-info "vcpu" chunk when present

	UserRegs UserRegs
	TrapCtxt [256]TrapInfo

	LDTBase uint64
	LDTEnts uint16

	GDTFrames [16]uint64
	GDTEnts   uint16

	KernelSS uint16
	KernelSP uint64

	// CtrlReg holds CR0..CR7; CR3 (index 3) is the page-table root PFN
	// before translation, the MFN after (§4.I).
	CtrlReg [8]uint64

	// 32-bit-only callback selectors (§4.K); ignored on 64-bit guests.
	EventCallbackCS     uint16
	EventCallbackEIP    uint32
	FailsafeCallbackCS  uint16
	FailsafeCallbackEIP uint32
}

// CR3PFN extracts the page-table-root PFN from control register 3.
func (c *VCPUContext) CR3PFN() PFN {
	return PFN(c.CtrlReg[3] >> PageShift)
}

// SetCR3MFN reinserts a translated MFN into control register 3, preserving
// the low flag bits PAE/PCID guests may carry there.
func (c *VCPUContext) SetCR3MFN(mfn MFN) {
	low := c.CtrlReg[3] & (PageSize - 1)
	c.CtrlReg[3] = (uint64(mfn) << PageShift) | low
}

// StartInfo is the guest's start-info page (§4.I), patched in place with
// post-restore frame numbers before the domain resumes. StoreMFN and
// ConsoleMFN keep their ABI name across canonicalization even though, on
// read, they hold a PFN that this fix-up translates to an MFN in place —
// the same naming wart the stream's page-table entries have.
type StartInfo struct {
	NrPages       uint64
	SharedInfo    uint64 // MFN<<PageShift
	Flags         uint32
	StoreMFN      uint64
	StoreEvtchn   uint32
	ConsoleMFN    uint64
	ConsoleEvtchn uint32
}

// VCPUInfo is one VCPU's slot in the shared-info page (§4.I).
type VCPUInfo struct {
	EvtchnUpcallPending uint8
	EvtchnUpcallMask    uint8
	EvtchnPendingSel    uint64
}

// SharedInfo is the guest's shared-info page image (§3 "Tail", §6 item 7).
// Only the event-channel bitmap and the per-VCPU pending selectors are
// touched by the tail fix-up; the rest of the saved image is copied through
// unexamined.
type SharedInfo struct {
	VCPU          [32]VCPUInfo
	EvtchnPending [8]uint64
	EvtchnMask    [8]uint64
}

// ZeroEventChannels clears the event-channel-pending bitmap and every
// VCPU's pending selector word, per §4.I, before the saved image is copied
// on top: a restored domain starts with no event notifications pending on
// any of its virtual CPUs.
func (s *SharedInfo) ZeroEventChannels() {
	for i := range s.EvtchnPending {
		s.EvtchnPending[i] = 0
	}
	for i := range s.VCPU {
		s.VCPU[i].EvtchnPendingSel = 0
	}
}
