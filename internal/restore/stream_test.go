package restore_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/cc/internal/restore"
)

func TestReadHeaderWithoutSentinel(t *testing.T) {
	var buf bytes.Buffer
	writeU64(&buf, 42) // maxPFN=64 -> P2MFrameListEntries = 1

	s := restore.NewStream(&buf)
	list, extCtxt, err := s.ReadHeader(64)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if len(list) != 1 || list[0] != 42 {
		t.Errorf("p2m frame list = %v, want [42]", list)
	}
	if extCtxt != nil {
		t.Error("extended-info context should be nil when no preamble was sent")
	}
}

// vcpuChunkBytes renders a full context record the way the save side frames
// it inside an extended-info "vcpu" chunk: 4-byte signature, 4-byte
// remaining length, then the record itself.
func vcpuChunkBytes(t *testing.T, ctxt *restore.VCPUContext) []byte {
	t.Helper()

	var record bytes.Buffer
	if err := binary.Write(&record, binary.LittleEndian, ctxt); err != nil {
		t.Fatalf("encode context record: %v", err)
	}

	var chunk bytes.Buffer
	chunk.WriteString("vcpu")
	writeU32(&chunk, uint32(record.Len()))
	chunk.Write(record.Bytes())
	return chunk.Bytes()
}

func TestReadHeaderWithExtendedInfo(t *testing.T) {
	var buf bytes.Buffer
	writeU64(&buf, ^uint64(0)) // sentinel

	chunk := vcpuChunkBytes(t, &restore.VCPUContext{VMAssist: 0x1})
	writeU32(&buf, uint32(len(chunk)))
	buf.Write(chunk)

	// maxPFN=64 -> 1 p2m-frame-list word, read fresh after the preamble.
	writeU64(&buf, 7)

	s := restore.NewStream(&buf)
	list, extCtxt, err := s.ReadHeader(64)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if len(list) != 1 || list[0] != 7 {
		t.Errorf("p2m frame list = %v, want [7]", list)
	}
	if extCtxt == nil {
		t.Fatal("extended-info context record was not decoded")
	}
	if extCtxt.VMAssist != 0x1 {
		t.Errorf("VMAssist = %#x, want 0x1", extCtxt.VMAssist)
	}
}

// TestReadHeaderSkipsUnknownChunks covers §8's "an unknown chunk signature
// inside extended-info is consumed and ignored": a bogus-signature chunk
// ahead of the "vcpu" chunk is discarded, and parsing continues through the
// context record and the p2m frame list beyond it.
func TestReadHeaderSkipsUnknownChunks(t *testing.T) {
	var buf bytes.Buffer
	writeU64(&buf, ^uint64(0)) // sentinel

	var ext bytes.Buffer
	ext.WriteString("bogo")
	writeU32(&ext, 12)
	ext.Write([]byte("discard this"))
	ext.Write(vcpuChunkBytes(t, &restore.VCPUContext{VMAssist: 0x1}))

	writeU32(&buf, uint32(ext.Len()))
	buf.Write(ext.Bytes())

	writeU64(&buf, 9)

	s := restore.NewStream(&buf)
	list, extCtxt, err := s.ReadHeader(64)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if len(list) != 1 || list[0] != 9 {
		t.Errorf("p2m frame list = %v, want [9]", list)
	}
	if extCtxt == nil {
		t.Fatal("the vcpu chunk after the unknown chunk was not decoded")
	}
	if extCtxt.VMAssist != 0x1 {
		t.Errorf("VMAssist = %#x, want 0x1", extCtxt.VMAssist)
	}
}

func TestReadExactTruncated(t *testing.T) {
	s := restore.NewStream(bytes.NewReader([]byte{1, 2, 3}))
	buf := make([]byte, 8)
	err := s.ReadExact(buf)
	if !errors.Is(err, restore.ErrStreamTruncated) {
		t.Fatalf("ReadExact() error = %v, want ErrStreamTruncated", err)
	}
}

func TestReadAbsentTable(t *testing.T) {
	var buf bytes.Buffer
	writeU32(&buf, 2)
	writeU64(&buf, 5)
	writeU64(&buf, 9)

	s := restore.NewStream(&buf)
	pfns, err := s.ReadAbsentTable()
	if err != nil {
		t.Fatalf("ReadAbsentTable() error = %v", err)
	}
	want := []restore.PFN{5, 9}
	if len(pfns) != len(want) || pfns[0] != want[0] || pfns[1] != want[1] {
		t.Errorf("ReadAbsentTable() = %v, want %v", pfns, want)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
