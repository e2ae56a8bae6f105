package vmpelf

import "encoding/binary"

// GnuHash is the DJB-derived hash function used by .gnu.hash (and by the
// GNU extension to the dynamic linker lookup path).
func GnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// ElfHash is the classic SysV hash function used by SHT_HASH (.hash).
func ElfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// BuildGnuHash rebuilds a .gnu.hash payload over names[symoffset:] (names
// for symbols below symoffset, typically just the reserved entry 0, are
// not hashed). The rebuilder always chooses a single bucket so
// symbol ordering never has to change: nbuckets=1, bloom_size=1,
// bloom_shift=6.
func BuildGnuHash(names []string, symoffset uint32) []byte {
	const bloomShift = 6
	nsyms := uint32(len(names))
	var chainLen uint32
	if nsyms > symoffset {
		chainLen = nsyms - symoffset
	}

	buf := make([]byte, 16+8+4+chainLen*4)
	binary.LittleEndian.PutUint32(buf[0:], 1) // nbuckets
	binary.LittleEndian.PutUint32(buf[4:], symoffset)
	binary.LittleEndian.PutUint32(buf[8:], 1) // bloom_size
	binary.LittleEndian.PutUint32(buf[12:], bloomShift)

	var bloom uint64
	hashes := make([]uint32, chainLen)
	for i := uint32(0); i < chainLen; i++ {
		h := GnuHash(names[symoffset+i])
		hashes[i] = h
		bloom |= uint64(1) << (h % 64)
		bloom |= uint64(1) << ((h >> bloomShift) % 64)
	}
	binary.LittleEndian.PutUint64(buf[16:], bloom)

	bucketOff := 24
	chainOff := bucketOff + 4
	if chainLen == 0 {
		binary.LittleEndian.PutUint32(buf[bucketOff:], 0)
		return buf
	}
	binary.LittleEndian.PutUint32(buf[bucketOff:], symoffset)
	for i := uint32(0); i < chainLen; i++ {
		v := hashes[i] &^ 1
		if i == chainLen-1 {
			v |= 1 // terminate the (only) bucket's chain
		}
		binary.LittleEndian.PutUint32(buf[chainOff+int(i)*4:], v)
	}
	return buf
}

// BuildSysvHash rebuilds a classic SHT_HASH payload over the full symbol
// name list (including the reserved index 0), as a single bucket so the
// rebuild never needs to reorder dynsym.
func BuildSysvHash(names []string) []byte {
	nsyms := uint32(len(names))
	buf := make([]byte, 8+4+nsyms*4)
	binary.LittleEndian.PutUint32(buf[0:], 1) // nbucket
	binary.LittleEndian.PutUint32(buf[4:], nsyms)

	bucketOff := 8
	chainOff := bucketOff + 4
	if nsyms <= 1 {
		binary.LittleEndian.PutUint32(buf[bucketOff:], 0)
		return buf
	}
	binary.LittleEndian.PutUint32(buf[bucketOff:], nsyms-1)
	binary.LittleEndian.PutUint32(buf[chainOff:], 0) // chain[0] == STN_UNDEF terminator
	for i := uint32(1); i < nsyms; i++ {
		binary.LittleEndian.PutUint32(buf[chainOff+int(i)*4:], i-1)
	}
	return buf
}
