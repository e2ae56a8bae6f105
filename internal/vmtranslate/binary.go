package vmtranslate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Unencoded binary magic/version. These are wire constants: any tool that
// already speaks the VMP2 format must keep reading files this one writes.
const (
	UnencodedBinMagic   uint32 = 0x4642555A
	UnencodedBinVersion uint32 = 2
)

type binHeader struct {
	Magic           uint32
	Version         uint32
	RegisterCount   uint32
	RegCount        uint32
	TypeCount       uint32
	InitValueCount  uint32
	InstLineCount   uint32
	InstCount       uint32
	BranchCount     uint32
	BranchAddrCount uint32
}

// WriteBinary serializes fn into the VMP2 unencoded binary form:
// a fixed header, the reg id / type tag / branch-word / branch-addr
// tables, then one record per original AArch64 address carrying its
// expanded VM words and disassembly text.
func WriteBinary(w io.Writer, fn *FunctionIR) error {
	instLineCount := len(fn.Records)
	instCount := 0
	for _, rec := range fn.Records {
		instCount += len(rec.Words)
	}

	registerCount := uint32(len(fn.RegIDs))
	if registerCount < 4 {
		registerCount = 4
	}

	hdr := binHeader{
		Magic:           UnencodedBinMagic,
		Version:         UnencodedBinVersion,
		RegisterCount:   registerCount,
		RegCount:        uint32(len(fn.RegIDs)),
		TypeCount:       uint32(len(fn.TypeTags)),
		InitValueCount:  0,
		InstLineCount:   uint32(instLineCount),
		InstCount:       uint32(instCount),
		BranchCount:     uint32(len(fn.BranchTargets)),
		BranchAddrCount: uint32(len(fn.CallTargets)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, fn.Addr); err != nil {
		return err
	}
	for _, r := range fn.RegIDs {
		if err := binary.Write(w, binary.LittleEndian, r); err != nil {
			return err
		}
	}
	for _, t := range fn.TypeTags {
		if err := binary.Write(w, binary.LittleEndian, uint32(t)); err != nil {
			return err
		}
	}
	for _, c := range fn.CallTargets {
		if err := binary.Write(w, binary.LittleEndian, c); err != nil {
			return err
		}
	}
	for _, b := range fn.BranchTargets {
		if err := binary.Write(w, binary.LittleEndian, b); err != nil {
			return err
		}
	}
	for _, rec := range fn.Records {
		if err := binary.Write(w, binary.LittleEndian, rec.Addr); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Words))); err != nil {
			return err
		}
		for _, word := range rec.Words {
			if err := binary.Write(w, binary.LittleEndian, word); err != nil {
				return err
			}
		}
		asm := []byte(rec.AsmText)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(asm))); err != nil {
			return err
		}
		if _, err := w.Write(asm); err != nil {
			return err
		}
	}
	return nil
}

// ReadBinary decodes a VMP2 stream produced by WriteBinary. It consumes
// exactly the bytes the header promises; any data left over in r is an
// error.
func ReadBinary(r io.Reader) (*FunctionIR, error) {
	var hdr binHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("vmtranslate: read header: %w", err)
	}
	if hdr.Magic != UnencodedBinMagic {
		return nil, fmt.Errorf("vmtranslate: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != UnencodedBinVersion {
		return nil, fmt.Errorf("vmtranslate: unsupported version %d", hdr.Version)
	}

	var addr uint64
	if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
		return nil, err
	}
	fn := newFunctionIR(addr)

	for i := uint32(0); i < hdr.RegCount; i++ {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.useReg(v)
	}
	for i := uint32(0); i < hdr.TypeCount; i++ {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.useType(TypeTag(v))
	}
	// Call targets precede branch targets in the stream, mirroring
	// WriteBinary's emission order.
	for i := uint32(0); i < hdr.BranchAddrCount; i++ {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.getOrAddCall(v)
	}
	for i := uint32(0); i < hdr.BranchCount; i++ {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.getOrAddBranch(v)
	}
	for i := uint32(0); i < hdr.InstLineCount; i++ {
		var recAddr uint64
		var wordCount uint32
		if err := binary.Read(r, binary.LittleEndian, &recAddr); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &wordCount); err != nil {
			return nil, err
		}
		words := make([]uint32, wordCount)
		for j := range words {
			if err := binary.Read(r, binary.LittleEndian, &words[j]); err != nil {
				return nil, err
			}
		}
		var asmLen uint32
		if err := binary.Read(r, binary.LittleEndian, &asmLen); err != nil {
			return nil, err
		}
		asmBuf := make([]byte, asmLen)
		if _, err := io.ReadFull(r, asmBuf); err != nil {
			return nil, err
		}
		fn.Records = append(fn.Records, AddrRecord{Addr: recAddr, Words: words, AsmText: string(asmBuf)})
	}

	var trailing [1]byte
	if n, err := r.Read(trailing[:]); err != io.EOF || n != 0 {
		return nil, fmt.Errorf("vmtranslate: trailing data after VMP2 stream")
	}
	return fn, nil
}

// EncodeBundle marshals fn into the compact form an EncodedFunction carries
// inside the payload bundle: the same side tables as the unencoded
// binary form, but instruction words only (no per-record address or
// disassembly text, since the embedded interpreter never needs either at
// run time). EncodeBundle/DecodeBundle round-trip with field-level
// equality, the one binding requirement on this format.
func EncodeBundle(fn *FunctionIR) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, fn.Addr)
	binary.Write(&buf, binary.LittleEndian, uint32(len(fn.RegIDs)))
	for _, r := range fn.RegIDs {
		binary.Write(&buf, binary.LittleEndian, r)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(fn.TypeTags)))
	for _, t := range fn.TypeTags {
		binary.Write(&buf, binary.LittleEndian, uint32(t))
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(fn.CallTargets)))
	for _, c := range fn.CallTargets {
		binary.Write(&buf, binary.LittleEndian, c)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(fn.BranchTargets)))
	for _, b := range fn.BranchTargets {
		binary.Write(&buf, binary.LittleEndian, b)
	}
	var words []uint32
	for _, rec := range fn.Records {
		words = append(words, rec.Words...)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(words)))
	for _, w := range words {
		binary.Write(&buf, binary.LittleEndian, w)
	}
	return buf.Bytes()
}

// DecodeBundle is the inverse of EncodeBundle. The resulting FunctionIR
// carries its entire instruction stream as one synthetic record at Addr,
// since the bundle form doesn't preserve per-original-instruction address
// boundaries (the interpreter addresses VM instructions by flat word
// offset, not by AArch64 PC).
func DecodeBundle(data []byte) (*FunctionIR, error) {
	r := bytes.NewReader(data)
	var addr uint64
	if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
		return nil, err
	}
	fn := newFunctionIR(addr)

	var regCount uint32
	if err := binary.Read(r, binary.LittleEndian, &regCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < regCount; i++ {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.useReg(v)
	}
	var typeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &typeCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < typeCount; i++ {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.useType(TypeTag(v))
	}
	var callCount uint32
	if err := binary.Read(r, binary.LittleEndian, &callCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < callCount; i++ {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.getOrAddCall(v)
	}
	var branchCount uint32
	if err := binary.Read(r, binary.LittleEndian, &branchCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < branchCount; i++ {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		fn.getOrAddBranch(v)
	}
	var wordCount uint32
	if err := binary.Read(r, binary.LittleEndian, &wordCount); err != nil {
		return nil, err
	}
	words := make([]uint32, wordCount)
	for i := range words {
		if err := binary.Read(r, binary.LittleEndian, &words[i]); err != nil {
			return nil, err
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("vmtranslate: trailing bytes after encoded function")
	}
	fn.Records = []AddrRecord{{Addr: addr, Words: words}}
	return fn, nil
}
