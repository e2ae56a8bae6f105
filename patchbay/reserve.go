package patchbay

// BuildReserved lays out a fresh patchbay payload: the header followed by
// five zeroed, capacity-bounded sub-regions. The protected host links this
// blob into its reserved section at build time; ExportAliases later fills
// the regions in place. A capacity of zero leaves that region out (its
// offset stays zero).
func BuildReserved(dynsymCap, dynstrCap, gnuhashCap, sysvhashCap, versymCap, slots uint32) []byte {
	h := Header{
		Magic:             Magic,
		Version:           Version,
		HeaderSize:        HeaderSize,
		TakeoverSlotTotal: slots,
	}
	cursor := alignU32(HeaderSize, 8)
	place := func(capacity uint32, off, capField *uint32) {
		if capacity == 0 {
			return
		}
		*off = cursor
		*capField = capacity
		cursor = alignU32(cursor+capacity, 8)
	}
	place(dynsymCap, &h.DynsymOff, &h.DynsymCap)
	place(dynstrCap, &h.DynstrOff, &h.DynstrCap)
	place(gnuhashCap, &h.GnuHashOff, &h.GnuHashCap)
	place(sysvhashCap, &h.SysvHashOff, &h.SysvHashCap)
	place(versymCap, &h.VersymOff, &h.VersymCap)
	h.TotalSize = cursor
	h.PayloadSize = cursor - HeaderSize

	out := make([]byte, cursor)
	copy(out, h.Marshal())
	return out
}

func alignU32(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }
