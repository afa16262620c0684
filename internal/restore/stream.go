package restore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// streamSentinel is the machine word that, in place of p2m_frame_list[0],
// announces that an extended-info preamble follows (§3, §6 item 1-2).
const streamSentinel uint64 = ^uint64(0)

// vcpuChunkSignature is the only extended-info chunk signature this engine
// acts on; every other signature is read and discarded (§4.B).
var vcpuChunkSignature = [4]byte{'v', 'c', 'p', 'u'}

// Stream wraps the transport the checkpoint arrives on. It exposes exactly
// the framed, length-prefixed record operations spec.md §4.B and §6
// describe; it never retains bytes across calls and never peeks ahead of
// a declared record boundary.
type Stream struct {
	r io.Reader
}

// NewStream wraps r. r is treated as the sole transport; Stream never
// closes it (transport lifecycle is an external collaborator, per
// spec.md §1).
func NewStream(r io.Reader) *Stream {
	return &Stream{r: r}
}

// ReadExact reads exactly len(buf) bytes, retrying a read that an
// interrupt-delivering signal cut short and failing with
// ErrStreamTruncated on end-of-stream or any other short read. This is the
// one read primitive every other Stream method is built from (§4.B).
func (s *Stream) ReadExact(buf []byte) error {
	const op = "stream.ReadExact"

	total := 0
	for total < len(buf) {
		n, err := s.r.Read(buf[total:])
		total += n
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if total == len(buf) {
			// The short error arrived alongside the final bytes (e.g. EOF
			// on the same read that completed the buffer); that's not a
			// truncation.
			break
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return failf(op, ErrStreamTruncated, "got %d of %d bytes", total, len(buf))
		}
		return failf(op, ErrStreamTruncated, "got %d of %d bytes: %v", total, len(buf), err)
	}
	return nil
}

func (s *Stream) readUint64() (uint64, error) {
	var buf [8]byte
	if err := s.ReadExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s *Stream) readUint32() (uint32, error) {
	var buf [4]byte
	if err := s.ReadExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *Stream) readInt32() (int32, error) {
	v, err := s.readUint32()
	return int32(v), err
}

// P2MFrameListEntries returns P2M_FL_ENTRIES: the number of machine words
// needed to name every frame of the guest's own PFN-indexed P2M table.
func P2MFrameListEntries(maxPFN uint64) int {
	const perFrame = PageSize / 8
	return int((maxPFN + perFrame - 1) / perFrame)
}

// ReadHeader reads stream items 1-3 of §6: the sentinel/first-P2M-word
// test, the extended-info preamble if present, and the rest of the P2M
// frame list. It returns the complete P2M frame list and, if an
// extended-info "vcpu" chunk was present, the full virtual-CPU context
// record that chunk carries (nil otherwise).
func (s *Stream) ReadHeader(maxPFN uint64) (p2mFrameList []uint64, extCtxt *VCPUContext, err error) {
	first, err := s.readUint64()
	if err != nil {
		return nil, nil, err
	}

	entries := P2MFrameListEntries(maxPFN)

	if first != streamSentinel {
		list := make([]uint64, entries)
		list[0] = first
		for i := 1; i < entries; i++ {
			w, err := s.readUint64()
			if err != nil {
				return nil, nil, err
			}
			list[i] = w
		}
		return list, nil, nil
	}

	extCtxt, err = s.readExtendedInfo()
	if err != nil {
		return nil, nil, err
	}

	list := make([]uint64, entries)
	for i := range list {
		w, err := s.readUint64()
		if err != nil {
			return nil, nil, err
		}
		list[i] = w
	}
	return list, extCtxt, nil
}

// readExtendedInfo consumes the extended-info preamble: a 4-byte total
// length followed by signature+length-prefixed chunks until that many
// bytes are consumed. The "vcpu" chunk carries a full virtual-CPU context
// record (§6 item 2) and is decoded as one; every other signature is read
// and discarded.
func (s *Stream) readExtendedInfo() (*VCPUContext, error) {
	const op = "stream.readExtendedInfo"

	totalLen, err := s.readUint32()
	if err != nil {
		return nil, err
	}

	var extCtxt *VCPUContext
	var consumed uint32
	for consumed < totalLen {
		if totalLen-consumed < 8 {
			return nil, fail(op, ErrStreamInvalid, "chunk header overruns declared extended-info length")
		}

		var sig [4]byte
		if err := s.ReadExact(sig[:]); err != nil {
			return nil, err
		}
		chunkLen, err := s.readUint32()
		if err != nil {
			return nil, err
		}
		consumed += 8

		if uint64(consumed)+uint64(chunkLen) > uint64(totalLen) {
			return nil, failf(op, ErrStreamInvalid, "chunk %q of length %d overruns extended-info total %d", sig, chunkLen, totalLen)
		}

		payload := make([]byte, chunkLen)
		if err := s.ReadExact(payload); err != nil {
			return nil, err
		}
		consumed += chunkLen

		if sig != vcpuChunkSignature {
			continue
		}

		ctxt := &VCPUContext{}
		if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, ctxt); err != nil {
			return nil, failf(op, ErrStreamInvalid, "vcpu chunk of %d bytes is not a full context record: %v", chunkLen, err)
		}
		extCtxt = ctxt
	}
	return extCtxt, nil
}

// ReadBatchCount reads the signed 32-bit batch-count word that leads every
// batch (§3 "Batch", §6 item 4).
func (s *Stream) ReadBatchCount() (int32, error) {
	return s.readInt32()
}

// ReadTaggedPFNs reads n batch-header words (§3 "Batch body").
func (s *Stream) ReadTaggedPFNs(n int) ([]TaggedPFN, error) {
	out := make([]TaggedPFN, n)
	for i := range out {
		w, err := s.readUint64()
		if err != nil {
			return nil, err
		}
		out[i] = TaggedPFN(w)
	}
	return out, nil
}

// ReadPage reads exactly one page body into buf, which must be PageSize
// bytes long.
func (s *Stream) ReadPage(buf []byte) error {
	if len(buf) != PageSize {
		return fail("stream.ReadPage", ErrStreamInvalid, "page buffer is not PageSize bytes")
	}
	return s.ReadExact(buf)
}

// ReadAbsentTable reads the absent-PFN table (§3 "Absent-PFN table", §6
// item 5): a 32-bit count followed by that many machine-word PFNs.
func (s *Stream) ReadAbsentTable() ([]PFN, error) {
	count, err := s.readUint32()
	if err != nil {
		return nil, err
	}
	out := make([]PFN, count)
	for i := range out {
		w, err := s.readUint64()
		if err != nil {
			return nil, err
		}
		out[i] = PFN(w)
	}
	return out, nil
}

// ReadVCPUContext reads the fixed-layout virtual-CPU context record (§6
// item 6).
func (s *Stream) ReadVCPUContext() (*VCPUContext, error) {
	ctxt := &VCPUContext{}
	if err := s.readFixed(ctxt); err != nil {
		return nil, err
	}
	return ctxt, nil
}

// ReadSharedInfo reads the one-page shared-info image (§6 item 7).
func (s *Stream) ReadSharedInfo() (*SharedInfo, error) {
	si := &SharedInfo{}
	if err := s.readFixed(si); err != nil {
		return nil, err
	}
	return si, nil
}

// readFixed decodes a fixed-layout little-endian record directly into v,
// failing with ErrStreamTruncated on a short read (binary.Read surfaces
// io.ErrUnexpectedEOF for that case, which ReadExact's callers already
// treat as truncation — this path goes through binary.Read instead of
// ReadExact because the record is a single struct, not raw bytes, but the
// failure mode is the same).
func (s *Stream) readFixed(v any) error {
	if err := binary.Read(&exactReader{s: s}, binary.LittleEndian, v); err != nil {
		if re, ok := err.(*RestoreError); ok {
			return re
		}
		return failf("stream.readFixed", ErrStreamTruncated, "%v", err)
	}
	return nil
}

// exactReader adapts Stream.ReadExact to the io.Reader interface
// binary.Read wants, so a short read is reported as ErrStreamTruncated
// rather than binary.Read's generic io.ErrUnexpectedEOF.
type exactReader struct {
	s *Stream
}

func (e *exactReader) Read(p []byte) (int, error) {
	if err := e.s.ReadExact(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
