package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
)

// embeddedFooterMagic identifies EmbeddedFooter, the wrapper Embed appends
// around a complete payload bundle when splicing it onto a host .so. It is
// distinct from the bundle's own Footer (bundleFooterMagic, "VMBF"): a host
// carries ...VMBH...VMBF (the bundle) followed by this 32-byte record.
const embeddedFooterMagic uint32 = 0x34454d56 // "VME4" little-endian

// EmbeddedFooter is the 32-byte packed record a host .so carries after a
// spliced-in payload bundle, letting a later run detect and safely replace
// it without re-parsing the bundle it wraps.
type EmbeddedFooter struct {
	Magic        uint32
	Version      uint32
	PayloadSize  uint64
	PayloadCRC32 uint32
	Reserved     [12]byte
}

const embeddedFooterSize = 4 + 4 + 8 + 4 + 12 // 32 bytes

// Embed splices payload (a complete payload bundle, itself ending in its
// own Footer) onto the end of host, replacing any payload a previous run
// already attached. Detection is footer-based: the last embeddedFooterSize
// bytes of host are checked for embeddedFooterMagic; if present, the CRC32
// recorded there is verified against the payload_size bytes preceding it
// before that region is treated as "the old payload" and stripped. A
// footer whose magic doesn't match is read as "no prior payload, append
// fresh"; a footer whose magic matches but whose CRC32 doesn't is a
// corrupt host and a hard failure, not something Embed silently
// re-appends past.
//
// Embed is idempotent: calling it twice with the same (host, payload)
// pair yields byte-identical output, since the second call strips the
// first call's payload via the same footer check before re-appending.
func Embed(host, payload []byte) ([]byte, error) {
	base, err := stripExistingPayload(host)
	if err != nil {
		return nil, err
	}
	foot := EmbeddedFooter{
		Magic:        embeddedFooterMagic,
		Version:      bundleVersion,
		PayloadSize:  uint64(len(payload)),
		PayloadCRC32: crc32.ChecksumIEEE(payload),
	}
	out := make([]byte, 0, len(base)+len(payload)+embeddedFooterSize)
	out = append(out, base...)
	out = append(out, payload...)
	buf := bytes.NewBuffer(out)
	if err := binary.Write(buf, binary.LittleEndian, foot); err != nil {
		return nil, vmerr.Format("bundle: embed: write footer", err)
	}
	return buf.Bytes(), nil
}

func stripExistingPayload(host []byte) ([]byte, error) {
	if len(host) < embeddedFooterSize {
		return host, nil
	}
	footOff := len(host) - embeddedFooterSize
	var foot EmbeddedFooter
	if err := binary.Read(bytes.NewReader(host[footOff:]), binary.LittleEndian, &foot); err != nil {
		return nil, vmerr.Format("bundle: embed: read candidate footer", err)
	}
	if foot.Magic != embeddedFooterMagic {
		return host, nil
	}
	total := foot.PayloadSize + embeddedFooterSize
	if total > uint64(len(host)) {
		return nil, vmerr.Format("bundle: embed", fmt.Errorf("corrupt host: recorded payload size %d exceeds file size", foot.PayloadSize))
	}
	oldStart := uint64(len(host)) - total
	oldPayload := host[oldStart : oldStart+foot.PayloadSize]
	if crc32.ChecksumIEEE(oldPayload) != foot.PayloadCRC32 {
		return nil, vmerr.Format("bundle: embed", fmt.Errorf("corrupt host: prior payload CRC32 mismatch"))
	}
	return host[:oldStart], nil
}

// HasPayload reports whether host ends in a footer carrying the embedding
// magic. Only the magic is checked: neither the version nor the payload
// CRC32 is verified, and the bundle it wraps is not decoded.
func HasPayload(host []byte) bool {
	if len(host) < embeddedFooterSize {
		return false
	}
	var foot EmbeddedFooter
	if err := binary.Read(bytes.NewReader(host[len(host)-embeddedFooterSize:]), binary.LittleEndian, &foot); err != nil {
		return false
	}
	return foot.Magic == embeddedFooterMagic
}
