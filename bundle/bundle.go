// Package bundle implements the payload bundle writer and the
// host-embedding splicer: packaging a set of translated
// functions into one addendum blob, and attaching that blob to a host
// shared object in a way a second run can detect and replace cleanly.
package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
)

// Magic/version for the bundle's own header and footer. These identify the
// bundle format itself ("VMBH"/"VMBF"); the separate host-embedding wrapper
// ("VME4") that the splicer appends around a complete bundle is defined
// in embed.go as EmbeddedFooter, not here.
const (
	bundleMagic   uint32 = 0x48424d56 // "VMBH" little-endian
	bundleVersion uint32 = 1
	bundleFooterMagic uint32 = 0x46424d56 // "VMBF" little-endian
)

// Payload is one function's encoded bytecode plus the original address it
// replaces, the unit the translator hands to the bundle writer.
type Payload struct {
	FunAddr uint64
	Encoded []byte
}

type entryHeader struct {
	FunAddr    uint64
	DataOffset uint64
	DataSize   uint64
}

type bundleHeader struct {
	Magic           uint32
	Version         uint32
	EntryCount      uint32
	BranchAddrCount uint32
}

// Footer terminates the bundle itself (magic "VMBF"). This is distinct from
// EmbeddedFooter (embed.go), which wraps a complete bundle when it is
// spliced onto a host .so.
type Footer struct {
	Magic        uint32
	Version      uint32
	PayloadSize  uint64
	PayloadCRC32 uint32
}

const footerSize = 4 + 4 + 8 + 4

// Write packages payloads and sharedBranchAddrs into the fixed bundle
// layout: header, dense entry array, shared branch table, concatenated
// payload bytes, footer. Every entry's DataOffset is computed up front
// (relative to the start of the bundle) before any payload byte is
// written, so the entry array never needs a second pass.
func Write(payloads []Payload, sharedBranchAddrs []uint64) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, vmerr.Input("bundle: write", fmt.Errorf("no payloads"))
	}
	seen := make(map[uint64]bool, len(payloads))
	for _, p := range payloads {
		if p.FunAddr == 0 {
			return nil, vmerr.Input("bundle: write", fmt.Errorf("payload has zero fun_addr"))
		}
		if seen[p.FunAddr] {
			return nil, vmerr.Input("bundle: write", fmt.Errorf("duplicate fun_addr %#x", p.FunAddr))
		}
		seen[p.FunAddr] = true
		if len(p.Encoded) == 0 {
			return nil, vmerr.Input("bundle: write", fmt.Errorf("payload for fun_addr %#x is empty", p.FunAddr))
		}
	}

	hdr := bundleHeader{
		Magic:           bundleMagic,
		Version:         bundleVersion,
		EntryCount:      uint32(len(payloads)),
		BranchAddrCount: uint32(len(sharedBranchAddrs)),
	}
	headerSize := uint64(4 + 4 + 4 + 4)
	entryArraySize := uint64(len(payloads)) * (8 + 8 + 8)
	branchTableSize := uint64(len(sharedBranchAddrs)) * 8
	dataStart := headerSize + entryArraySize + branchTableSize

	entries := make([]entryHeader, len(payloads))
	offset := dataStart
	for i, p := range payloads {
		entries[i] = entryHeader{FunAddr: p.FunAddr, DataOffset: offset, DataSize: uint64(len(p.Encoded))}
		offset += uint64(len(p.Encoded))
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e)
	}
	for _, addr := range sharedBranchAddrs {
		binary.Write(&buf, binary.LittleEndian, addr)
	}
	for _, p := range payloads {
		buf.Write(p.Encoded)
	}

	payload := buf.Bytes()
	foot := Footer{
		Magic:        bundleFooterMagic,
		Version:      bundleVersion,
		PayloadSize:  uint64(len(payload)),
		PayloadCRC32: crc32.ChecksumIEEE(payload),
	}
	binary.Write(&buf, binary.LittleEndian, foot)
	return buf.Bytes(), nil
}

// Entry is one decoded bundle entry: the original function address and its
// encoded bytecode slice.
type Entry struct {
	FunAddr uint64
	Data    []byte
}

// Read parses a bundle produced by Write, validating the footer's CRC32
// against the payload bytes it claims to cover before trusting anything
// else in the stream.
func Read(data []byte) (entries []Entry, sharedBranchAddrs []uint64, err error) {
	if len(data) < footerSize {
		return nil, nil, vmerr.Format("bundle: read", fmt.Errorf("too short for a footer"))
	}
	footOff := len(data) - footerSize
	var foot Footer
	if err := binary.Read(bytes.NewReader(data[footOff:]), binary.LittleEndian, &foot); err != nil {
		return nil, nil, vmerr.Format("bundle: read footer", err)
	}
	if foot.Magic != bundleFooterMagic {
		return nil, nil, vmerr.Format("bundle: read", fmt.Errorf("bad footer magic %#x", foot.Magic))
	}
	if uint64(footOff) < foot.PayloadSize {
		return nil, nil, vmerr.Format("bundle: read", fmt.Errorf("payload_size %d exceeds available bytes", foot.PayloadSize))
	}
	payloadStart := uint64(footOff) - foot.PayloadSize
	payload := data[payloadStart:footOff]
	if crc32.ChecksumIEEE(payload) != foot.PayloadCRC32 {
		return nil, nil, vmerr.Format("bundle: read", fmt.Errorf("payload CRC32 mismatch"))
	}

	r := bytes.NewReader(payload)
	var hdr bundleHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, nil, vmerr.Format("bundle: read header", err)
	}
	if hdr.Magic != bundleMagic {
		return nil, nil, vmerr.Format("bundle: read", fmt.Errorf("bad bundle magic %#x", hdr.Magic))
	}
	rawEntries := make([]entryHeader, hdr.EntryCount)
	for i := range rawEntries {
		if err := binary.Read(r, binary.LittleEndian, &rawEntries[i]); err != nil {
			return nil, nil, vmerr.Format("bundle: read entry", err)
		}
	}
	sharedBranchAddrs = make([]uint64, hdr.BranchAddrCount)
	for i := range sharedBranchAddrs {
		if err := binary.Read(r, binary.LittleEndian, &sharedBranchAddrs[i]); err != nil {
			return nil, nil, vmerr.Format("bundle: read branch table", err)
		}
	}
	entries = make([]Entry, len(rawEntries))
	for i, e := range rawEntries {
		if e.DataOffset+e.DataSize > uint64(len(payload)) {
			return nil, nil, vmerr.Format("bundle: read", fmt.Errorf("entry %d data range out of bounds", i))
		}
		entries[i] = Entry{FunAddr: e.FunAddr, Data: payload[e.DataOffset : e.DataOffset+e.DataSize]}
	}
	return entries, sharedBranchAddrs, nil
}
