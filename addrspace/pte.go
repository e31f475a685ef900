package addrspace

// CachingType selects the caching attribute programmed into a PTE.
type CachingType int

// Supported caching attributes.
const (
	CachingNone CachingType = iota
	CachingWriteThrough
	CachingLlc
)

// PTE flag bits. The address occupies bits [12, 47].
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteCacheWt  = 1 << 3
	pteCacheLlc = 1 << 4

	pteAddrMask = 0x0000_ffff_ffff_f000
)

// EncodePte builds a page-table entry referencing busAddr.
func EncodePte(busAddr uint64, caching CachingType, writable bool) uint64 {
	pte := (busAddr & pteAddrMask) | ptePresent

	if writable {
		pte |= pteWritable
	}

	switch caching {
	case CachingWriteThrough:
		pte |= pteCacheWt
	case CachingLlc:
		pte |= pteCacheLlc
	}

	return pte
}

// DecodePteBusAddress extracts the bus address from a PTE.
func DecodePteBusAddress(pte uint64) uint64 {
	return pte & pteAddrMask
}

// PteIsPresent reports whether a PTE references a valid page.
func PteIsPresent(pte uint64) bool {
	return pte&ptePresent != 0
}

// PteIsWritable reports whether a PTE allows GPU writes.
func PteIsWritable(pte uint64) bool {
	return pte&pteWritable != 0
}

// PteCaching extracts the caching attribute from a PTE.
func PteCaching(pte uint64) CachingType {
	switch {
	case pte&pteCacheWt != 0:
		return CachingWriteThrough
	case pte&pteCacheLlc != 0:
		return CachingLlc
	default:
		return CachingNone
	}
}
