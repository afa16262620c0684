// Package restorefixture builds byte-exact checkpoint streams for testing
// the restore engine, the way internal/bundle builds YAML-described test
// bundles (internal/bundle/bundle.go): a small, yaml-tagged Spec describes
// a scenario at the level a test author thinks in (pages, their types, a
// handful of context fields), and Build assembles the literal wire bytes
// spec.md §6 describes.
package restorefixture

import (
	"bytes"
	"encoding/binary"
	"errors"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/cc/internal/restore"
)

// Page describes one guest frame in the checkpoint (§3 "Batch body").
type Page struct {
	PFN     uint64           `yaml:"pfn"`
	Level   string           `yaml:"level"` // "none", "l1".."l4", or "xtab" (no body); empty means "none"
	Pinned  bool             `yaml:"pinned"`
	Entries []PageTableEntry `yaml:"entries,omitempty"` // present entries to embed, page-table pages only
	Data    []byte           `yaml:"data,omitempty"`    // raw frame content for non-page-table pages
}

// PageTableEntry is one present, PFN-tagged entry to embed in a page-table
// page's body before the page is written into the stream.
type PageTableEntry struct {
	Index int    `yaml:"index"`
	PFN   uint64 `yaml:"pfn"`
}

// VCPU describes the handful of virtual-CPU context fields the restore
// engine actually inspects; every other field of restore.VCPUContext is
// left at its zero value.
type VCPU struct {
	SuspendRecordPFN uint64   `yaml:"suspend_record_pfn"`
	StartInfoPFN     uint64   `yaml:"start_info_pfn"`
	CR3PFN           uint64   `yaml:"cr3_pfn"`
	GDTFramePFNs     []uint64 `yaml:"gdt_frame_pfns"`
	GDTEnts          uint16   `yaml:"gdt_ents"`
	LDTBase          uint64   `yaml:"ldt_base"`
	LDTEnts          uint16   `yaml:"ldt_ents"`
	KernelSS         uint16   `yaml:"kernel_ss"`
}

// StartInfo describes the start-info page's pre-translation contents,
// keyed by PFN so Build can find the page whose body to fill in.
type StartInfo struct {
	PFN           uint64 `yaml:"pfn"`
	StoreRefPFN   uint64 `yaml:"store_ref_pfn"`
	ConsoleRefPFN uint64 `yaml:"console_ref_pfn"`
}

// Spec is the yaml-tagged description of one synthetic restore stream.
type Spec struct {
	MaxPFN           uint64    `yaml:"max_pfn"`
	VMAssist         uint32    `yaml:"vm_assist"`
	P2MFrameListPFNs []uint64  `yaml:"p2m_frame_list_pfns"`
	Pages            []Page    `yaml:"pages"`
	AbsentPFNs       []uint64  `yaml:"absent_pfns"`
	VCPU             VCPU      `yaml:"vcpu"`
	StartInfo        StartInfo `yaml:"start_info"`
}

// ParseSpec decodes a yaml-authored Spec, the way internal/bundle parses
// its fixtures.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func levelOf(s string) restore.PageLevel {
	switch s {
	case "l1":
		return restore.LevelL1
	case "l2":
		return restore.LevelL2
	case "l3":
		return restore.LevelL3
	case "l4":
		return restore.LevelL4
	default:
		return restore.LevelNone
	}
}

// Build assembles the spec into the exact byte stream restore.Run expects:
// the (non-sentinel, unless VMAssist is set) p2m frame list, the pages in
// batches of at most MaxBatchSize, a terminal zero batch count, the absent-PFN table,
// the virtual-CPU context, and the shared-info page.
func (s *Spec) Build() ([]byte, error) {
	var buf bytes.Buffer

	if err := s.injectStartInfo(); err != nil {
		return nil, err
	}
	if err := s.writeHeader(&buf); err != nil {
		return nil, err
	}
	if err := s.writeBatches(&buf); err != nil {
		return nil, err
	}
	writeInt32(&buf, 0) // terminal batch

	writeUint32(&buf, uint32(len(s.AbsentPFNs)))
	for _, pfn := range s.AbsentPFNs {
		writeUint64(&buf, pfn)
	}

	ctxt := s.buildVCPUContext()
	if err := binary.Write(&buf, binary.LittleEndian, ctxt); err != nil {
		return nil, err
	}

	var shared restore.SharedInfo
	if err := binary.Write(&buf, binary.LittleEndian, &shared); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// injectStartInfo fills in the start-info page's body from Spec.StartInfo,
// so fixture authors describe the reference PFNs once instead of hand-
// encoding the page's Data themselves.
func (s *Spec) injectStartInfo() error {
	if s.StartInfo.PFN == 0 && s.StartInfo.StoreRefPFN == 0 && s.StartInfo.ConsoleRefPFN == 0 {
		return nil
	}
	body, err := s.StartInfo.EncodeStartInfo()
	if err != nil {
		return err
	}
	for i := range s.Pages {
		if s.Pages[i].PFN == s.StartInfo.PFN {
			s.Pages[i].Data = body
			return nil
		}
	}
	return nil
}

func (s *Spec) writeHeader(buf *bytes.Buffer) error {
	entries := restore.P2MFrameListEntries(s.MaxPFN)
	list := make([]uint64, entries)
	copy(list, s.P2MFrameListPFNs)

	if s.VMAssist == 0 {
		if len(list) > 0 && list[0] == ^uint64(0) {
			// A real first entry can never legally equal the sentinel;
			// fixtures that need an extended-info preamble must set
			// VMAssist instead of colliding the first entry with it.
			return errors.New("restorefixture: first p2m frame-list entry collides with the extended-info sentinel")
		}
		for _, w := range list {
			writeUint64(buf, w)
		}
		return nil
	}

	writeUint64(buf, ^uint64(0)) // sentinel: extended info follows

	// The "vcpu" chunk carries a full context record; only its vm_assist
	// flags matter to the restore engine this early in the stream, so the
	// rest of the record is zero.
	var record bytes.Buffer
	if err := binary.Write(&record, binary.LittleEndian, &restore.VCPUContext{VMAssist: s.VMAssist}); err != nil {
		return err
	}

	var chunk bytes.Buffer
	chunk.WriteString("vcpu")
	writeUint32(&chunk, uint32(record.Len()))
	chunk.Write(record.Bytes())

	writeUint32(buf, uint32(chunk.Len()))
	buf.Write(chunk.Bytes())

	for _, w := range list {
		writeUint64(buf, w)
	}
	return nil
}

func (s *Spec) writeBatches(buf *bytes.Buffer) error {
	for start := 0; start < len(s.Pages); start += restore.MaxBatchSize {
		end := start + restore.MaxBatchSize
		if end > len(s.Pages) {
			end = len(s.Pages)
		}
		batch := s.Pages[start:end]

		writeInt32(buf, int32(len(batch)))
		for _, p := range batch {
			tc := restore.NewTypeCode(levelOf(p.Level), p.Pinned)
			if p.Level == "xtab" {
				tc = restore.TypeXTAB
			}
			tag := restore.MakeTaggedPFN(tc, restore.PFN(p.PFN))
			writeUint64(buf, uint64(tag))
		}
		for _, p := range batch {
			if p.Level == "xtab" {
				continue // no page body follows an XTAB slot
			}
			buf.Write(p.frameBytes())
		}
	}
	return nil
}

// frameBytes renders one page's on-the-wire body: explicit Data if given,
// otherwise a zero frame with any requested page-table entries embedded as
// present, PFN-tagged 64-bit entries.
func (p Page) frameBytes() []byte {
	frame := make([]byte, restore.PageSize)
	if len(p.Data) > 0 {
		copy(frame, p.Data)
		return frame
	}
	for _, e := range p.Entries {
		off := e.Index * 8
		entry := (e.PFN << restore.PageShift) | 1
		binary.LittleEndian.PutUint64(frame[off:], entry)
	}
	return frame
}

func (s *Spec) buildVCPUContext() *restore.VCPUContext {
	ctxt := &restore.VCPUContext{}
	ctxt.UserRegs.Rdx = s.VCPU.SuspendRecordPFN
	ctxt.UserRegs.Rsi = s.VCPU.StartInfoPFN
	ctxt.CtrlReg[3] = s.VCPU.CR3PFN << restore.PageShift
	ctxt.GDTEnts = s.VCPU.GDTEnts
	for i, pfn := range s.VCPU.GDTFramePFNs {
		if i >= len(ctxt.GDTFrames) {
			break
		}
		ctxt.GDTFrames[i] = pfn
	}
	ctxt.LDTBase = s.VCPU.LDTBase
	ctxt.LDTEnts = s.VCPU.LDTEnts
	ctxt.KernelSS = s.VCPU.KernelSS
	return ctxt
}

// EncodeStartInfo renders a start-info page's pre-translation body: the
// fields the tail fix-up reads (store/console reference PFNs) with every
// other field left zero, matching what a real guest builder would leave
// for fields the restore engine doesn't inspect before overwriting them.
func (si StartInfo) EncodeStartInfo() ([]byte, error) {
	rec := restore.StartInfo{
		StoreMFN:   si.StoreRefPFN,
		ConsoleMFN: si.ConsoleRefPFN,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}
